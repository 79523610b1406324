package domain

// NotificationKind: тип уведомления для пользователя.
type NotificationKind string

const (
	NotificationInfo     NotificationKind = "info"
	NotificationSuccess  NotificationKind = "success"
	NotificationWarning  NotificationKind = "warning"
	NotificationError    NotificationKind = "error"
	NotificationProgress NotificationKind = "progress"
	// NotificationUnsynced несёт актуальное значение счётчика несинхронизированных заказов.
	NotificationUnsynced NotificationKind = "unsynced"
)

// Notification: короткое сообщение для UI (toast, бейдж, прогресс-бар).
type Notification struct {
	Kind    NotificationKind
	Message string
	// Done/Total заполняются для NotificationProgress.
	Done  int
	Total int
	// Unsynced заполняется для NotificationUnsynced.
	Unsynced int
}

// Fraction возвращает долю выполненного для прогресса.
func (n Notification) Fraction() float64 {
	if n.Total <= 0 {
		return 0
	}
	return float64(n.Done) / float64(n.Total)
}
