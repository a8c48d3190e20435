package zboss

import "fmt"

// Call ids.
const (
	callGetModuleVersion = 0x0001
	callNCPReset         = 0x0002
	callSetZigbeeRole    = 0x0005
	callSetChannelMask   = 0x0007
	callSetPanID         = 0x000A
	callGetLocalIEEE     = 0x000B
	callSetRxOnWhenIdle  = 0x0013
	callSetEDTimeout     = 0x0017
	callSetNwkKey        = 0x001B
	callNCPResetInd      = 0x002B
	callSetTCPolicy      = 0x0032
	callSetExtPanID      = 0x0033
	callSetMaxChildren   = 0x0034

	callAFSetSimpleDesc = 0x0101

	callZDONodeDescReq   = 0x0204
	callZDOSimpleDescReq = 0x0205
	callZDOActiveEPReq   = 0x0206
	callZDOBindReq       = 0x0208
	callZDOUnbindReq     = 0x0209
	callZDOMgmtLeaveReq  = 0x020A
	callZDOPermitJoinReq = 0x020B
	callZDODevAnnceInd   = 0x020C
	callZDOMgmtBindReq   = 0x020F
	callZDODevUpdateInd  = 0x0215

	callAPSDEDataReq = 0x0301
	callAPSDEDataInd = 0x0306

	callNwkFormation        = 0x0401
	callNwkGetIEEEByShort   = 0x0405
	callNwkGetShortByIEEE   = 0x0406
	callNwkLeaveInd         = 0x040B
	callNwkStartWithoutForm = 0x041D
)

func callName(id uint16) string {
	switch id {
	case callGetModuleVersion:
		return "GetModuleVersion"
	case callNCPReset:
		return "NCPReset"
	case callSetZigbeeRole:
		return "SetZigbeeRole"
	case callSetChannelMask:
		return "SetChannelMask"
	case callSetPanID:
		return "SetPanID"
	case callGetLocalIEEE:
		return "GetLocalIEEE"
	case callSetRxOnWhenIdle:
		return "SetRxOnWhenIdle"
	case callSetEDTimeout:
		return "SetEDTimeout"
	case callSetNwkKey:
		return "SetNwkKey"
	case callNCPResetInd:
		return "NCPResetInd"
	case callSetTCPolicy:
		return "SetTCPolicy"
	case callSetExtPanID:
		return "SetExtPanID"
	case callSetMaxChildren:
		return "SetMaxChildren"
	case callAFSetSimpleDesc:
		return "AFSetSimpleDesc"
	case callZDONodeDescReq:
		return "ZDO_NodeDesc"
	case callZDOSimpleDescReq:
		return "ZDO_SimpleDesc"
	case callZDOActiveEPReq:
		return "ZDO_ActiveEP"
	case callZDOBindReq:
		return "ZDO_Bind"
	case callZDOUnbindReq:
		return "ZDO_Unbind"
	case callZDOMgmtLeaveReq:
		return "ZDO_MgmtLeave"
	case callZDOPermitJoinReq:
		return "ZDO_PermitJoin"
	case callZDODevAnnceInd:
		return "ZDO_DevAnnce"
	case callZDOMgmtBindReq:
		return "ZDO_MgmtBind"
	case callZDODevUpdateInd:
		return "ZDO_DevUpdate"
	case callAPSDEDataReq:
		return "APSDE_DataReq"
	case callAPSDEDataInd:
		return "APSDE_DataInd"
	case callNwkFormation:
		return "NwkFormation"
	case callNwkGetIEEEByShort:
		return "NwkGetIEEEByShort"
	case callNwkGetShortByIEEE:
		return "NwkGetShortByIEEE"
	case callNwkLeaveInd:
		return "NwkLeaveInd"
	case callNwkStartWithoutForm:
		return "NwkStartWithoutForm"
	}
	return fmt.Sprintf("0x%04X", id)
}

// StatusError is a non-OK HL response status.
type StatusError struct {
	Call     uint16
	Category uint8
	Code     uint8
}

func (e *StatusError) Error() string {
	cat := "generic"
	switch e.Category {
	case 2:
		cat = "mac"
	case 3:
		cat = "nwk"
	case 4:
		cat = "aps"
	case 5:
		cat = "zdo"
	case 6:
		cat = "cbke"
	}
	return fmt.Sprintf("zboss %s: status %s/0x%02X", callName(e.Call), cat, e.Code)
}

// Device update status values of ZDO_DevUpdate.
const (
	devUpdateSecureRejoin = 0x00
	devUpdateUnsecureJoin = 0x01
	devUpdateLeft         = 0x02
	devUpdateTCRejoin     = 0x03
)

// Trust center policy ids.
const (
	tcPolicyLinkKeysRequired  = 0x0000
	tcPolicyICRequired        = 0x0001
	tcPolicyTCRejoinEnabled   = 0x0002
	tcPolicyIgnoreTCRejoin    = 0x0003
	tcPolicyAPSInsecureJoin   = 0x0004
	tcPolicyDisableMgmtChanUp = 0x0005
)

// APS address modes.
const (
	addrModeGroup = 0x01
	addrModeShort = 0x02
	addrModeIEEE  = 0x03
)

const (
	roleCoordinator = 0x00
	resetNoOption   = 0x00
	resetFactory    = 0x02
	defaultRadius   = 30
	txOptionsAPSAck = 0x04
)
