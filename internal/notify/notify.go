// Package notify доставляет пользовательские уведомления движка синхронизации.
package notify

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// LogNotifier пишет уведомления в лог; для агента без UI это и есть "toast".
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт уведомитель поверх logger.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "notify")
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(msg domain.Notification) {
	entry := n.logger.WithField("kind", string(msg.Kind))
	switch msg.Kind {
	case domain.NotificationProgress:
		entry.WithFields(log.Fields{
			"done":  msg.Done,
			"total": msg.Total,
		}).Debugf("%s (%.0f%%)", msg.Message, msg.Fraction()*100)
	case domain.NotificationUnsynced:
		entry.WithField("unsynced", msg.Unsynced).Debug("unsynced orders count changed")
	case domain.NotificationWarning:
		entry.Warn(msg.Message)
	case domain.NotificationError:
		entry.Error(msg.Message)
	default:
		entry.Info(msg.Message)
	}
}

// Fanout рассылает уведомление нескольким получателям по порядку.
type Fanout []domain.Notifier

func (f Fanout) Notify(msg domain.Notification) {
	for _, n := range f {
		if n != nil {
			n.Notify(msg)
		}
	}
}

// Recorder запоминает уведомления; используется в тестах и командах CLI.
type Recorder struct {
	mu   sync.Mutex
	msgs []domain.Notification
}

func (r *Recorder) Notify(msg domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

// All возвращает копию полученных уведомлений.
func (r *Recorder) All() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notification(nil), r.msgs...)
}

// Kinds возвращает уведомления заданного типа.
func (r *Recorder) Kinds(kind domain.NotificationKind) []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, m := range r.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

var (
	_ domain.Notifier = (*LogNotifier)(nil)
	_ domain.Notifier = Fanout(nil)
	_ domain.Notifier = (*Recorder)(nil)
)
