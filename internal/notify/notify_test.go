package notify

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

func TestLogNotifier_LevelsByKind(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	n := NewLogNotifier(logger.WithField("component", "test"))

	n.Notify(domain.Notification{Kind: domain.NotificationWarning, Message: "saved locally"})
	n.Notify(domain.Notification{Kind: domain.NotificationError, Message: "storage failed"})
	n.Notify(domain.Notification{Kind: domain.NotificationSuccess, Message: "synced"})
	n.Notify(domain.Notification{Kind: domain.NotificationProgress, Message: "syncing", Done: 1, Total: 4})

	entries := hook.AllEntries()
	require.Len(t, entries, 4)
	assert.Equal(t, logrus.WarnLevel, entries[0].Level)
	assert.Equal(t, logrus.ErrorLevel, entries[1].Level)
	assert.Equal(t, logrus.InfoLevel, entries[2].Level)
	assert.Equal(t, logrus.DebugLevel, entries[3].Level)
	assert.Equal(t, "syncing (25%)", entries[3].Message)
	assert.Equal(t, 4, entries[3].Data["total"])
}

func TestFanoutAndRecorder(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	Fanout{first, nil, second}.Notify(domain.Notification{Kind: domain.NotificationInfo, Message: "hi"})

	assert.Len(t, first.All(), 1)
	assert.Len(t, second.Kinds(domain.NotificationInfo), 1)
	assert.Empty(t, second.Kinds(domain.NotificationError))
}
