package mobile

// Command identifies one request/response transaction on the adapter's
// serial protocol. The code points are fixed by the device.
type Command byte

const (
	CmdBeginSession    Command = 0x10
	CmdEndSession      Command = 0x11
	CmdDialTelephone   Command = 0x12
	CmdHangUpTelephone Command = 0x13
	CmdWaitForCall     Command = 0x14
	CmdTransferData    Command = 0x15
	CmdTelephoneStatus Command = 0x17
	CmdReadConfig      Command = 0x19
	CmdWriteConfig     Command = 0x1A
	CmdTransferDataEnd Command = 0x1F
	CmdISPLogin        Command = 0x21
	CmdISPLogout       Command = 0x22
	CmdOpenTCP         Command = 0x23
	CmdCloseTCP        Command = 0x24
	CmdDNSQuery        Command = 0x28
	CmdError           Command = 0x6E
)

func (c Command) String() string {
	switch c {
	case CmdBeginSession:
		return "BEGIN_SESSION"
	case CmdEndSession:
		return "END_SESSION"
	case CmdDialTelephone:
		return "DIAL_TELEPHONE"
	case CmdHangUpTelephone:
		return "HANG_UP_TELEPHONE"
	case CmdWaitForCall:
		return "WAIT_FOR_TELEPHONE_CALL"
	case CmdTransferData:
		return "TRANSFER_DATA"
	case CmdTelephoneStatus:
		return "TELEPHONE_STATUS"
	case CmdReadConfig:
		return "READ_CONFIGURATION_DATA"
	case CmdWriteConfig:
		return "WRITE_CONFIGURATION_DATA"
	case CmdTransferDataEnd:
		return "TRANSFER_DATA_END"
	case CmdISPLogin:
		return "ISP_LOGIN"
	case CmdISPLogout:
		return "ISP_LOGOUT"
	case CmdOpenTCP:
		return "OPEN_TCP_CONNECTION"
	case CmdCloseTCP:
		return "CLOSE_TCP_CONNECTION"
	case CmdDNSQuery:
		return "DNS_QUERY"
	case CmdError:
		return "ERROR"
	}
	return "UNKNOWN"
}
