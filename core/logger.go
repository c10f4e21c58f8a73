package core

// Logger is any service that can log & report app events.
//
// args may hold errors, map[string]interface{} extras or the Person the event relates to.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// Person identifies the user an event is reported for.
type Person struct {
	ID       string
	Username string
	Email    string
}
