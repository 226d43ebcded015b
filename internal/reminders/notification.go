package reminders

const (
	DefaultIcon  = "/icons/icon-192.png"
	DefaultBadge = "/icons/icon-72.png"
	DefaultURL   = "/"
)

var DefaultVibrate = []int{200, 100, 200}

type Notification struct {
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Icon     string         `json:"icon"`
	Badge    string         `json:"badge"`
	Vibrate  []int          `json:"vibrate"`
	Tag      string         `json:"tag"`
	Renotify bool           `json:"renotify"`
	Data     map[string]any `json:"data"`
}

// NewNotification fills the fixed presentation fields; data.url defaults to "/".
func NewNotification(title, body, tag string, data map[string]any) Notification {
	merged := map[string]any{"url": DefaultURL}
	for key, value := range data {
		merged[key] = value
	}
	return Notification{
		Title:    title,
		Body:     body,
		Icon:     DefaultIcon,
		Badge:    DefaultBadge,
		Vibrate:  append([]int(nil), DefaultVibrate...),
		Tag:      tag,
		Renotify: true,
		Data:     merged,
	}
}

func (n Notification) URL() string {
	if raw, ok := n.Data["url"].(string); ok && raw != "" {
		return raw
	}
	return DefaultURL
}

type message struct {
	title string
	body  string
}

var messages = map[Type]message{
	TypeSleep:   {title: "Wind Down Time", body: "Start winding down for a good night's sleep."},
	TypeWorkout: {title: "Workout Time", body: "Time for your scheduled workout. Let's go!"},
	TypeVocal:   {title: "Vocal Practice", body: "Warm up your voice for today's practice session."},
	TypeBudget:  {title: "Budget Check", body: "Review today's spending and stay on budget."},
	TypeReading: {title: "Reading Time", body: "Spend a few minutes on your reading goal."},
}

func NotificationFor(kind Type) (Notification, bool) {
	msg, ok := messages[kind]
	if !ok {
		return Notification{}, false
	}
	return NewNotification(msg.title, msg.body, string(kind)+"-reminder", map[string]any{"reminder": string(kind)}), true
}

// Notifier displays a notification on the platform.
type Notifier interface {
	Notify(n Notification) error
}

type NotifierFunc func(n Notification) error

func (f NotifierFunc) Notify(n Notification) error {
	return f(n)
}
