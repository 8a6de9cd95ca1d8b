package protocol

import "fmt"

// OpCode is a DFU control point operation.
type OpCode byte

// Control point op codes
const (
	OpCreate   OpCode = 0x01
	OpSetPRN   OpCode = 0x02
	OpCalcCRC  OpCode = 0x03
	OpExecute  OpCode = 0x04
	OpSelect   OpCode = 0x06
	OpWrite    OpCode = 0x08 // data channel only
	OpResponse OpCode = 0x60
)

func (o OpCode) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpSetPRN:
		return "set-prn"
	case OpCalcCRC:
		return "crc"
	case OpExecute:
		return "execute"
	case OpSelect:
		return "select"
	case OpWrite:
		return "write"
	case OpResponse:
		return "response"
	default:
		return fmt.Sprintf("op(0x%02X)", byte(o))
	}
}

// ObjectType selects the object a request applies to.
type ObjectType byte

// Object types
const (
	ObjInvalid ObjectType = 0x00
	ObjCommand ObjectType = 0x01
	ObjData    ObjectType = 0x02
)

func (t ObjectType) String() string {
	switch t {
	case ObjCommand:
		return "command"
	case ObjData:
		return "data"
	default:
		return fmt.Sprintf("object(0x%02X)", byte(t))
	}
}

// Valid reports whether t names a command or data object.
func (t ObjectType) Valid() bool {
	return t == ObjCommand || t == ObjData
}

// Result is the status byte of a response.
type Result byte

// Result codes
const (
	ResInvalid               Result = 0x00
	ResSuccess               Result = 0x01
	ResOpCodeNotSupported    Result = 0x02
	ResInvalidParameter      Result = 0x03
	ResInsufficientResources Result = 0x04
	ResInvalidObject         Result = 0x05
	ResOperationNotPermitted Result = 0x08
	ResOperationFailed       Result = 0x0A
	ResExtError              Result = 0x0B
)

// ResultMessage returns human-readable result message
func ResultMessage(code Result) string {
	switch code {
	case ResInvalid:
		return "invalid"
	case ResSuccess:
		return "success"
	case ResOpCodeNotSupported:
		return "op code not supported"
	case ResInvalidParameter:
		return "invalid parameter"
	case ResInsufficientResources:
		return "insufficient resources"
	case ResInvalidObject:
		return "invalid object"
	case ResOperationNotPermitted:
		return "operation not permitted"
	case ResOperationFailed:
		return "operation failed"
	case ResExtError:
		return "extended error"
	default:
		return "unknown result"
	}
}

func (r Result) String() string { return ResultMessage(r) }

// ExtError refines a ResExtError result.
type ExtError byte

// Extended error codes
const (
	ExtNoError            ExtError = 0x00
	ExtInvalidInitCommand ExtError = 0x01
	ExtWrongCommandFormat ExtError = 0x02
	ExtUnknownCommand     ExtError = 0x03
	ExtInitCommandInvalid ExtError = 0x04
	ExtFwVersionFailure   ExtError = 0x05
	ExtHwVersionFailure   ExtError = 0x06
	ExtSdVersionFailure   ExtError = 0x07
	ExtSignatureMissing   ExtError = 0x08
	ExtWrongHashType      ExtError = 0x09
	ExtHashFailed         ExtError = 0x0A
	ExtWrongSignatureType ExtError = 0x0B
	ExtVerificationFailed ExtError = 0x0C
	ExtInsufficientSpace  ExtError = 0x0D
)

// ExtErrorMessage returns human-readable extended error message
func ExtErrorMessage(code ExtError) string {
	switch code {
	case ExtNoError:
		return "no error"
	case ExtInvalidInitCommand:
		return "invalid init command"
	case ExtWrongCommandFormat:
		return "wrong command format"
	case ExtUnknownCommand:
		return "unknown command"
	case ExtInitCommandInvalid:
		return "init command invalid"
	case ExtFwVersionFailure:
		return "firmware version failure"
	case ExtHwVersionFailure:
		return "hardware version failure"
	case ExtSdVersionFailure:
		return "softdevice version failure"
	case ExtSignatureMissing:
		return "signature missing"
	case ExtWrongHashType:
		return "wrong hash type"
	case ExtHashFailed:
		return "hash failed"
	case ExtWrongSignatureType:
		return "wrong signature type"
	case ExtVerificationFailed:
		return "verification failed"
	case ExtInsufficientSpace:
		return "insufficient space"
	default:
		return "unknown error"
	}
}

func (e ExtError) String() string { return ExtErrorMessage(e) }
