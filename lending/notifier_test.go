package lending_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lending-engine/lending"
)

func TestLogNotifier_WritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	n := lending.LogNotifier{Logger: log.New(&buf, "", 0)}

	err := n.Send(context.Background(), lending.NotificationEvent{
		Key:             lending.NotificationKey{SubjectType: lending.SubjectTitle, SubjectID: "T1", Day: "2025-03-01", Kind: lending.KindLowStock},
		TitleID:         "T1",
		AvailableCopies: 0,
		TotalCopies:     2,
	})

	require.NoError(t, err)
	assert.Equal(t, "[Notifier] LOW_STOCK title=T1 available=0/2 day=2025-03-01\n", buf.String())
}

func TestMultiNotifier_SendsToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("smtp down")
	var got []string
	ok := lending.NotifierFunc(func(_ context.Context, e lending.NotificationEvent) error {
		got = append(got, e.Key.String())
		return nil
	})
	failing := lending.NotifierFunc(func(context.Context, lending.NotificationEvent) error { return boom })

	event := lending.NotificationEvent{
		Key: lending.NotificationKey{SubjectType: lending.SubjectLoan, SubjectID: "L1", Day: "2025-03-01", Kind: lending.KindOverdue},
	}
	err := lending.MultiNotifier{failing, ok, ok}.Send(context.Background(), event)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"loan/L1/2025-03-01/OVERDUE", "loan/L1/2025-03-01/OVERDUE"}, got)

	assert.NoError(t, lending.MultiNotifier{ok}.Send(context.Background(), event))
}
