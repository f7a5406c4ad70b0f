package uvc

// USB Video Class wire constants (UVC 1.1/1.5, §6 of the design spec).
// Grounded on the descriptor/selector tables of cmd/browse-uvc in the
// teacher repository, which walks the same class-specific descriptors by
// hand.
const (
	classVideo = 0x0E

	subclassVideoControl   = 0x01
	subclassVideoStreaming = 0x02

	csInterface = 0x24

	// VideoControl interface descriptor subtypes.
	vcHeader          = 0x01
	vcInputTerminal   = 0x02
	vcOutputTerminal  = 0x03
	vcSelectorUnit    = 0x04
	vcProcessingUnit  = 0x05
	vcExtensionUnit   = 0x06

	// VideoStreaming interface descriptor subtypes.
	vsInputHeader        = 0x01
	vsOutputHeader       = 0x02
	vsStillImageFrame    = 0x03
	vsFormatUncompressed = 0x04
	vsFrameUncompressed  = 0x05
	vsFormatMJPEG        = 0x06
	vsFrameMJPEG         = 0x07
	vsFormatFrameBased   = 0x10
	vsFrameFrameBased    = 0x11

	ittCamera = 0x0201

	// VideoStreaming control selectors.
	vsProbeControl       = 0x01
	vsCommitControl      = 0x02
	vsStillProbeControl  = 0x03
	vsStillCommitControl = 0x04
	vsStillTriggerCtrl   = 0x05

	// Class-specific request codes.
	reqSetCur  = 0x01
	reqGetCur  = 0x81
	reqGetMin  = 0x82
	reqGetMax  = 0x83
	reqGetRes  = 0x84
	reqGetLen  = 0x85
	reqGetInfo = 0x86
	reqGetDef  = 0x87

	// GET_INFO capability bits.
	infoGet      = 0x01
	infoSet      = 0x02
	infoDisabled = 0x04
	infoAuto     = 0x08
	infoAsync    = 0x10

	// bmHint bits for the probe/commit control block.
	hintFrameInterval = 0x01

	// Payload header flag bits (§4.6).
	payloadFID = 0x01
	payloadEOF = 0x02
	payloadPTS = 0x04
	payloadSCR = 0x08
	payloadRES = 0x10
	payloadSTI = 0x20
	payloadERR = 0x40
	payloadEOH = 0x80

	bRequestTypeClassInterfaceOut = 0x21
	bRequestTypeClassInterfaceIn  = 0xA1

	endpointTypeMask = 0x03
	endpointTypeIso  = 0x01
)

// cameraTerminalSelectorNames names the Camera Terminal control selectors,
// indexed by bit position in the 3-byte bmControls bitmap (§4.2). Bit 0 is
// selector 1 (CT_SCANNING_MODE_CONTROL), matching the UVC spec's 1-based
// selector numbering.
var cameraTerminalSelectorNames = []string{
	"Scanning Mode",
	"Auto-Exposure Mode",
	"Auto-Exposure Priority",
	"Exposure Time (Absolute)",
	"Exposure Time (Relative)",
	"Focus (Absolute)",
	"Focus (Relative)",
	"Focus, Auto",
	"Iris (Absolute)",
	"Iris (Relative)",
	"Zoom (Absolute)",
	"Zoom (Relative)",
	"PanTilt (Absolute)",
	"PanTilt (Relative)",
	"Roll (Absolute)",
	"Roll (Relative)",
	"Reserved",
	"Reserved",
	"Focus, Simple",
	"Window",
	"Region of Interest",
	"Privacy",
}

// processingUnitSelectorNames names the Processing Unit control selectors,
// indexed by bit position in the bControlSize-byte bmControls bitmap.
var processingUnitSelectorNames = []string{
	"Backlight Compensation",
	"Brightness",
	"Contrast",
	"Gain",
	"Power Line Frequency",
	"Hue",
	"Saturation",
	"Sharpness",
	"Gamma",
	"White Balance Temperature",
	"White Balance Temperature, Auto",
	"White Balance Component",
	"White Balance Component, Auto",
	"Digital Multiplier",
	"Digital Multiplier Limit",
	"Hue, Auto",
	"Analog Video Standard",
	"Analog Video Lock Status",
	"Contrast, Auto",
}
