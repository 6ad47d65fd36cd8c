package isotp

import "fmt"

// The seven ISO-TP addressing modes
type AddressingMode int

const (
	Normal11Bits      AddressingMode = 0
	Normal29Bits      AddressingMode = 1
	NormalFixed29Bits AddressingMode = 2
	Extended11Bits    AddressingMode = 3
	Extended29Bits    AddressingMode = 4
	Mixed11Bits       AddressingMode = 5
	Mixed29Bits       AddressingMode = 6
)

var addressingModeDescription = map[AddressingMode]string{
	Normal11Bits:      "Normal (11 bits)",
	Normal29Bits:      "Normal (29 bits)",
	NormalFixed29Bits: "Normal fixed (29 bits)",
	Extended11Bits:    "Extended (11 bits)",
	Extended29Bits:    "Extended (29 bits)",
	Mixed11Bits:       "Mixed (11 bits)",
	Mixed29Bits:       "Mixed (29 bits)",
}

func (mode AddressingMode) String() string {
	description, ok := addressingModeDescription[mode]
	if !ok {
		return "Unknown addressing mode"
	}
	return description
}

type TargetAddressType int

const (
	Physical   TargetAddressType = 0 // 1 to 1 communication
	Functional TargetAddressType = 1 // 1 to n communication
)

// Unset marks an optional address component as not provided
const Unset int = -1

// Arbitration id bases for the fixed 29 bits modes
const (
	normalFixedPhysicalBase   uint32 = 0x18DA0000
	normalFixedFunctionalBase uint32 = 0x18DB0000
	mixed29PhysicalBase       uint32 = 0x18CE0000
	mixed29FunctionalBase     uint32 = 0x18CD0000
)

// Addressable is any address object the transport can be bound to,
// either an Address or an AsymmetricAddress
type Addressable interface {
	TxArbitrationId(targetAddressType TargetAddressType) (uint32, error)
	TxPayloadPrefix() []byte
	RxPrefixSize() int
	IsTxExtendedId() bool
	IsForMe(msg *CanMessage) bool
	IsTx29Bits() bool
}

// An ISO-TP address. All derived quantities (arbitration ids, payload
// prefix, prefix size) are computed once at construction and the object is
// immutable afterwards.
type Address struct {
	mode             AddressingMode
	txId             int
	rxId             int
	targetAddress    int
	sourceAddress    int
	addressExtension int

	txIdPhysical   int
	txIdFunctional int
	rxIdPhysical   int
	rxIdFunctional int
	txPrefix       []byte
	rxPrefixSize   int
	is29Bits       bool
}

// Create a new address for the given mode. Unused components must be passed
// as Unset. Which components are required depends on the mode :
//
//	Normal11Bits, Normal29Bits : txId, rxId
//	NormalFixed29Bits          : targetAddress, sourceAddress
//	Extended11Bits, Extended29Bits : txId, rxId, targetAddress, sourceAddress
//	Mixed11Bits                : txId, rxId, addressExtension
//	Mixed29Bits                : targetAddress, sourceAddress, addressExtension
//
// In the normal, extended and mixed 11 bits modes one direction may be left
// out to build a partial address for an AsymmetricAddress : only txId (with
// targetAddress in extended mode) or only rxId (with sourceAddress in
// extended mode) is then required
func NewAddress(mode AddressingMode, txId int, rxId int, targetAddress int, sourceAddress int, addressExtension int) (*Address, error) {
	address := &Address{
		mode:             mode,
		txId:             txId,
		rxId:             rxId,
		targetAddress:    targetAddress,
		sourceAddress:    sourceAddress,
		addressExtension: addressExtension,
		txIdPhysical:     Unset,
		txIdFunctional:   Unset,
		rxIdPhysical:     Unset,
		rxIdFunctional:   Unset,
	}
	err := address.validate()
	if err != nil {
		return nil, err
	}
	address.deriveIds()
	return address, nil
}

func checkByteRange(name string, value int) error {
	if value < 0 || value > 0xFF {
		return fmt.Errorf("%w: %v must be between 0x00 and 0xFF, got %v", ErrInvalidAddress, name, value)
	}
	return nil
}

func checkIdRange(name string, value int, is29Bits bool) error {
	max := int(CAN_SFF_MASK)
	if is29Bits {
		max = int(CAN_EFF_MASK)
	}
	if value < 0 || value > max {
		return fmt.Errorf("%w: %v must be between 0 and 0x%X, got %v", ErrInvalidAddress, name, max, value)
	}
	return nil
}

func (address *Address) validate() error {
	switch address.mode {
	case Normal11Bits, Normal29Bits:
		address.is29Bits = address.mode == Normal29Bits
		if address.txId == Unset && address.rxId == Unset {
			return fmt.Errorf("%w: normal addressing requires at least a txid or a rxid", ErrInvalidAddress)
		}
	case NormalFixed29Bits, Mixed29Bits:
		address.is29Bits = true
		if address.targetAddress == Unset || address.sourceAddress == Unset {
			return fmt.Errorf("%w: %v requires a target address and a source address", ErrInvalidAddress, address.mode)
		}
	case Extended11Bits, Extended29Bits:
		address.is29Bits = address.mode == Extended29Bits
		if address.txId == Unset && address.rxId == Unset {
			return fmt.Errorf("%w: extended addressing requires at least a txid or a rxid", ErrInvalidAddress)
		}
		if address.txId != Unset && address.targetAddress == Unset {
			return fmt.Errorf("%w: extended addressing requires a target address to transmit", ErrInvalidAddress)
		}
		if address.rxId != Unset && address.sourceAddress == Unset {
			return fmt.Errorf("%w: extended addressing requires a source address to receive", ErrInvalidAddress)
		}
	case Mixed11Bits:
		address.is29Bits = false
		if address.txId == Unset && address.rxId == Unset {
			return fmt.Errorf("%w: mixed addressing requires at least a txid or a rxid", ErrInvalidAddress)
		}
		if address.addressExtension == Unset {
			return fmt.Errorf("%w: mixed addressing requires an address extension", ErrInvalidAddress)
		}
	default:
		return fmt.Errorf("%w: unknown addressing mode %v", ErrInvalidAddress, int(address.mode))
	}

	if address.mode == Mixed29Bits && address.addressExtension == Unset {
		return fmt.Errorf("%w: mixed addressing requires an address extension", ErrInvalidAddress)
	}
	for _, check := range []struct {
		name  string
		value int
	}{
		{"target address", address.targetAddress},
		{"source address", address.sourceAddress},
		{"address extension", address.addressExtension},
	} {
		if check.value != Unset {
			if err := checkByteRange(check.name, check.value); err != nil {
				return err
			}
		}
	}
	for _, check := range []struct {
		name  string
		value int
	}{
		{"txid", address.txId},
		{"rxid", address.rxId},
	} {
		if check.value != Unset {
			if err := checkIdRange(check.name, check.value, address.is29Bits); err != nil {
				return err
			}
		}
	}
	if address.txId != Unset && address.rxId != Unset && address.txId == address.rxId {
		return fmt.Errorf("%w: txid and rxid must be different", ErrInvalidAddress)
	}
	return nil
}

func (address *Address) deriveIds() {
	switch address.mode {
	case Normal11Bits, Normal29Bits, Mixed11Bits, Extended11Bits, Extended29Bits:
		if address.txId != Unset {
			address.txIdPhysical = address.txId
			address.txIdFunctional = address.txId
		}
		if address.rxId != Unset {
			address.rxIdPhysical = address.rxId
			address.rxIdFunctional = address.rxId
		}
	case NormalFixed29Bits:
		ta := uint32(address.targetAddress)
		sa := uint32(address.sourceAddress)
		address.txIdPhysical = int(normalFixedPhysicalBase | ta<<8 | sa)
		address.txIdFunctional = int(normalFixedFunctionalBase | ta<<8 | sa)
		address.rxIdPhysical = int(normalFixedPhysicalBase | sa<<8 | ta)
		address.rxIdFunctional = int(normalFixedFunctionalBase | sa<<8 | ta)
	case Mixed29Bits:
		ta := uint32(address.targetAddress)
		sa := uint32(address.sourceAddress)
		address.txIdPhysical = int(mixed29PhysicalBase | ta<<8 | sa)
		address.txIdFunctional = int(mixed29FunctionalBase | ta<<8 | sa)
		address.rxIdPhysical = int(mixed29PhysicalBase | sa<<8 | ta)
		address.rxIdFunctional = int(mixed29FunctionalBase | sa<<8 | ta)
	}

	switch address.mode {
	case Extended11Bits, Extended29Bits:
		if address.targetAddress != Unset {
			address.txPrefix = []byte{byte(address.targetAddress)}
		}
		if address.sourceAddress != Unset {
			address.rxPrefixSize = 1
		}
	case Mixed11Bits, Mixed29Bits:
		address.txPrefix = []byte{byte(address.addressExtension)}
		address.rxPrefixSize = 1
	}
}

func (address *Address) Mode() AddressingMode {
	return address.mode
}

// Arbitration id to transmit with. Fails if the transmit direction was not
// configured (partial address used inside an AsymmetricAddress)
func (address *Address) TxArbitrationId(targetAddressType TargetAddressType) (uint32, error) {
	id := address.txIdPhysical
	if targetAddressType == Functional {
		id = address.txIdFunctional
	}
	if id == Unset {
		return 0, fmt.Errorf("%w: address has no transmit direction configured", ErrInvalidAddress)
	}
	return uint32(id), nil
}

// Payload prefix prepended to every transmitted data field (0 or 1 byte)
func (address *Address) TxPayloadPrefix() []byte {
	return address.txPrefix
}

// Number of bytes to strip from every received data field
func (address *Address) RxPrefixSize() int {
	return address.rxPrefixSize
}

func (address *Address) IsTxExtendedId() bool {
	return address.is29Bits
}

func (address *Address) IsTx29Bits() bool {
	return address.is29Bits
}

// Classify an incoming message. Returns true if this frame targets us
// according to the addressing mode
func (address *Address) IsForMe(msg *CanMessage) bool {
	if msg == nil {
		return false
	}
	if msg.IsExtendedId != address.is29Bits {
		return false
	}
	switch address.mode {
	case Normal11Bits, Normal29Bits:
		return address.rxId != Unset && msg.ArbitrationId == uint32(address.rxId)
	case Extended11Bits, Extended29Bits:
		if address.rxId == Unset || msg.ArbitrationId != uint32(address.rxId) {
			return false
		}
		return len(msg.Data) > 0 && int(msg.Data[0]) == address.sourceAddress
	case Mixed11Bits:
		if address.rxId == Unset || msg.ArbitrationId != uint32(address.rxId) {
			return false
		}
		return len(msg.Data) > 0 && int(msg.Data[0]) == address.addressExtension
	case NormalFixed29Bits:
		return address.matchesFixed(msg, normalFixedPhysicalBase, normalFixedFunctionalBase)
	case Mixed29Bits:
		if !address.matchesFixed(msg, mixed29PhysicalBase, mixed29FunctionalBase) {
			return false
		}
		return len(msg.Data) > 0 && int(msg.Data[0]) == address.addressExtension
	}
	return false
}

// Check a 29 bits fixed arbitration id : upper 16 bits must carry the
// physical or functional base, byte 1 is the target (us) and byte 0 the source
func (address *Address) matchesFixed(msg *CanMessage, physicalBase uint32, functionalBase uint32) bool {
	upper := msg.ArbitrationId & 0xFFFF0000
	if upper != physicalBase && upper != functionalBase {
		return false
	}
	ta := int((msg.ArbitrationId >> 8) & 0xFF)
	sa := int(msg.ArbitrationId & 0xFF)
	return ta == address.sourceAddress && sa == address.targetAddress
}

// An AsymmetricAddress pairs a transmit only address with a receive only
// address so both directions may use different addressing modes
type AsymmetricAddress struct {
	TxAddr *Address
	RxAddr *Address
}

func NewAsymmetricAddress(txAddr *Address, rxAddr *Address) (*AsymmetricAddress, error) {
	if txAddr == nil || rxAddr == nil {
		return nil, fmt.Errorf("%w: asymmetric address requires both a tx and a rx address", ErrInvalidAddress)
	}
	if txAddr.txIdPhysical == Unset {
		return nil, fmt.Errorf("%w: tx address has no transmit direction configured", ErrInvalidAddress)
	}
	if rxAddr.rxIdPhysical == Unset {
		return nil, fmt.Errorf("%w: rx address has no receive direction configured", ErrInvalidAddress)
	}
	return &AsymmetricAddress{TxAddr: txAddr, RxAddr: rxAddr}, nil
}

func (address *AsymmetricAddress) TxArbitrationId(targetAddressType TargetAddressType) (uint32, error) {
	return address.TxAddr.TxArbitrationId(targetAddressType)
}

func (address *AsymmetricAddress) TxPayloadPrefix() []byte {
	return address.TxAddr.TxPayloadPrefix()
}

func (address *AsymmetricAddress) RxPrefixSize() int {
	return address.RxAddr.RxPrefixSize()
}

func (address *AsymmetricAddress) IsTxExtendedId() bool {
	return address.TxAddr.IsTxExtendedId()
}

func (address *AsymmetricAddress) IsTx29Bits() bool {
	return address.TxAddr.IsTx29Bits()
}

func (address *AsymmetricAddress) IsForMe(msg *CanMessage) bool {
	return address.RxAddr.IsForMe(msg)
}
