package uds

import (
	"fmt"

	"github.com/pkg/errors"
)

// Negative response codes.
const (
	NRCGeneralReject                          byte = 0x10
	NRCServiceNotSupported                    byte = 0x11
	NRCSubFunctionNotSupported                byte = 0x12
	NRCIncorrectMessageLength                 byte = 0x13
	NRCResponseTooLong                        byte = 0x14
	NRCBusyRepeatRequest                      byte = 0x21
	NRCConditionsNotCorrect                   byte = 0x22
	NRCRequestSequenceError                   byte = 0x24
	NRCNoResponseFromSubnetComponent          byte = 0x25
	NRCFailurePreventsExecution               byte = 0x26
	NRCRequestOutOfRange                      byte = 0x31
	NRCSecurityAccessDenied                   byte = 0x33
	NRCInvalidKey                             byte = 0x35
	NRCExceedNumberOfAttempts                 byte = 0x36
	NRCRequiredTimeDelayNotExpired            byte = 0x37
	NRCUploadDownloadNotAccepted              byte = 0x70
	NRCTransferDataSuspended                  byte = 0x71
	NRCGeneralProgrammingFailure              byte = 0x72
	NRCWrongBlockSequenceCounter              byte = 0x73
	NRCResponsePending                        byte = 0x78
	NRCSubFunctionNotSupportedInActiveSession byte = 0x7e
	NRCServiceNotSupportedInActiveSession     byte = 0x7f
)

var nrcNames = map[byte]string{
	0x10: "GeneralReject",
	0x11: "ServiceNotSupported",
	0x12: "SubFunctionNotSupported",
	0x13: "IncorrectMessageLengthOrInvalidFormat",
	0x14: "ResponseTooLong",
	0x21: "BusyRepeatRequest",
	0x22: "ConditionsNotCorrect",
	0x24: "RequestSequenceError",
	0x25: "NoResponseFromSubnetComponent",
	0x26: "FailurePreventsExecutionOfRequestedAction",
	0x31: "RequestOutOfRange",
	0x33: "SecurityAccessDenied",
	0x35: "InvalidKey",
	0x36: "ExceedNumberOfAttempts",
	0x37: "RequiredTimeDelayNotExpired",
	0x70: "UploadDownloadNotAccepted",
	0x71: "TransferDataSuspended",
	0x72: "GeneralProgrammingFailure",
	0x73: "WrongBlockSequenceCounter",
	0x78: "RequestCorrectlyReceived-ResponsePending",
	0x7e: "SubFunctionNotSupportedInActiveSession",
	0x7f: "ServiceNotSupportedInActiveSession",
	0x81: "RpmTooHigh",
	0x82: "RpmTooLow",
	0x83: "EngineIsRunning",
	0x84: "EngineIsNotRunning",
	0x85: "EngineRunTimeTooLow",
	0x86: "TemperatureTooHigh",
	0x87: "TemperatureTooLow",
	0x88: "VehicleSpeedTooHigh",
	0x89: "VehicleSpeedTooLow",
	0x8a: "ThrottlePedalTooHigh",
	0x8b: "ThrottlePedalTooLow",
	0x8c: "TransmissionRangeNotInNeutral",
	0x8d: "TransmissionRangeNotInGear",
	0x8f: "BrakeSwitchesNotClosed",
	0x90: "ShifterLeverNotInPark",
	0x91: "TorqueConverterClutchLocked",
	0x92: "VoltageTooHigh",
	0x93: "VoltageTooLow",
}

// NRCName returns the ISO 14229 name of a negative response code.
func NRCName(code byte) string {
	if n, ok := nrcNames[code]; ok {
		return n
	}
	return fmt.Sprintf("Unknown(0x%.2x)", code)
}

// NegativeResponse is returned when an ECU rejects a request.
type NegativeResponse struct {
	Service byte
	Code    byte
}

func (e *NegativeResponse) Error() string {
	return fmt.Sprintf("negative response to 0x%.2x (%s): 0x%.2x %s",
		e.Service, ServiceName(e.Service), e.Code, NRCName(e.Code))
}

// NRC returns the negative response code carried by err, if any.
func NRC(err error) (byte, bool) {
	var nr *NegativeResponse
	if errors.As(err, &nr) {
		return nr.Code, true
	}
	return 0, false
}

var didNames = map[uint16]string{
	0xf180: "bootSoftwareIdentification",
	0xf181: "applicationSoftwareIdentification",
	0xf182: "applicationDataIdentification",
	0xf183: "bootSoftwareFingerprint",
	0xf184: "applicationSoftwareFingerprint",
	0xf185: "applicationDataFingerprint",
	0xf186: "activeDiagnosticSession",
	0xf187: "vehicleManufacturerSparePartNumber",
	0xf188: "vehicleManufacturerECUSoftwareNumber",
	0xf189: "vehicleManufacturerECUSoftwareVersionNumber",
	0xf18a: "systemSupplierIdentifier",
	0xf18b: "ECUManufacturingDate",
	0xf18c: "ECUSerialNumber",
	0xf18d: "supportedFunctionalUnits",
	0xf18e: "vehicleManufacturerKitAssemblyPartNumber",
	0xf190: "VIN",
	0xf191: "vehicleManufacturerECUHardwareNumber",
	0xf192: "systemSupplierECUHardwareNumber",
	0xf193: "systemSupplierECUHardwareVersionNumber",
	0xf194: "systemSupplierECUSoftwareNumber",
	0xf195: "systemSupplierECUSoftwareVersionNumber",
	0xf196: "exhaustRegulationOrTypeApprovalNumber",
	0xf197: "systemNameOrEngineType",
	0xf198: "repairShopCodeOrTesterSerialNumber",
	0xf199: "programmingDate",
	0xf19a: "calibrationRepairShopCodeOrCalibrationEquipmentSerialNumber",
	0xf19b: "calibrationDate",
	0xf19c: "calibrationEquipmentSoftwareNumber",
	0xf19d: "ECUInstallationDate",
	0xf19e: "ODXFile",
	0xf19f: "entity",
}

// DIDName returns the ISO 14229 name of a standard data identifier, or "" when
// did isn't one.
func DIDName(did uint16) string {
	return didNames[did]
}
