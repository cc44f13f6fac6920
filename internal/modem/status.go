package modem

import "strconv"

// Status is a message status code as stored in the sms table.
//
// Non-negative values are the hardware vocabulary carried by delivery
// reports; negative values are produced by the gateway itself.
type Status int

const (
	StatusUnknownError      Status = -99
	StatusCMSError          Status = -4
	StatusCMEError          Status = -3
	StatusModemDisconnected Status = -2
	StatusQueued            Status = -1
	StatusEnroute           Status = 0
	StatusDelivered         Status = 1
	StatusFailed            Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusUnknownError:
		return "UNKNOWN_ERROR"
	case StatusCMSError:
		return "CMS_ERROR"
	case StatusCMEError:
		return "CME_ERROR"
	case StatusModemDisconnected:
		return "MODEM_DISCONNECTED"
	case StatusQueued:
		return "QUEUED"
	case StatusEnroute:
		return "ENROUTE"
	case StatusDelivered:
		return "DELIVERED"
	case StatusFailed:
		return "FAILED"
	default:
		return "STATUS(" + strconv.Itoa(int(s)) + ")"
	}
}

// Final reports whether no further transition is expected.
func (s Status) Final() bool {
	return s != StatusQueued && s != StatusEnroute
}

// Int returns a pointer to the stored representation.
func (s Status) Int() *int {
	v := int(s)
	return &v
}
