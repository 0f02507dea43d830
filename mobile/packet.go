package mobile

const (
	// MaxDataSize is the largest payload a single packet can carry.
	MaxDataSize = 0xFF
	// MaxTCPSize caps the data bytes moved per TRANSFER_DATA transaction,
	// leaving room for the leading connection id byte.
	MaxTCPSize = MaxDataSize - 1
	// ConfigSize is the size of the persisted configuration blob.
	ConfigSize = 0xC0
	// MaxConnections bounds how many socket slots the adapter manages.
	MaxConnections = 2
)

// Packet is one protocol transaction unit. The transport layer fills it with
// a request, the dispatcher overwrites it in place with the response.
type Packet struct {
	Command Command
	Length  int
	Data    [MaxDataSize]byte
}

// Payload returns the Length bytes of packet data.
func (p *Packet) Payload() []byte {
	if p.Length < 0 || p.Length > MaxDataSize {
		return nil
	}
	return p.Data[:p.Length]
}

// SetPayload copies data into the packet, capping at MaxDataSize, and
// adjusts the length accordingly.
func (p *Packet) SetPayload(data []byte) {
	p.Length = copy(p.Data[:], data)
}

// SetError turns the packet into an ERROR response naming the command that
// failed and the violated precondition.
func (p *Packet) SetError(cmd Command, code ErrCode) {
	p.Command = CmdError
	p.Data[0] = byte(cmd)
	p.Data[1] = byte(code)
	p.Length = 2
}
