package protocol

// Object size limits
const (
	CommandObjectMaxSize = 512
	DataObjectMaxSize    = 4096
)

// Serial transport defaults
const (
	DefaultBaudRate = 115200
	DefaultPRN      = 0
)

// Serial frame channels. Every SLIP frame starts with one of these.
const (
	ChanControl      = 0x01
	ChanData         = 0x02
	ChanNotification = 0x03
	ChanDisconnect   = 0x04
)
