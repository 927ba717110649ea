package registry

// Event is a message addressed to one terminal. The set of events is closed:
// Data and Exit.
type Event interface {
	TerminalID() string
	isEvent()
}

// Data carries a chunk of terminal output.
type Data struct {
	Terminal string
	Payload  []byte
}

// Exit reports that the terminal's process ended. No Data follows it.
type Exit struct {
	Terminal string
	Code     int
	Signal   string
}

func (d Data) TerminalID() string { return d.Terminal }
func (e Exit) TerminalID() string { return e.Terminal }

func (Data) isEvent() {}
func (Exit) isEvent() {}
