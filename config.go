package uvc

import (
	"encoding/binary"
	"fmt"
)

// Standard USB descriptor types referenced while walking a configuration
// descriptor; class-specific types (CS_INTERFACE, etc.) live in uvcconst.go.
const (
	usbDtInterface           = 0x04
	usbDtEndpoint            = 0x05
	usbDtInterfaceAssoc      = 0x0b
	usbDtSSEndpointCompanion = 0x30
)

// rawConfigDescriptor is the standard USB configuration descriptor walked to
// recover, per streaming/control interface, the class-specific ("Extra")
// bytes C1 parses into UVC topology. It is plumbing internal to descriptor
// parsing, not part of the public API.
type rawConfigDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []rawInterface

	Extra []byte
}

// rawInterface groups the alternate settings sharing one interface number.
type rawInterface struct {
	AltSettings []rawAltSetting
}

// rawAltSetting is one alternate-setting interface descriptor plus its
// endpoints and any class-specific descriptor bytes ("Extra") that followed
// it in the configuration descriptor.
type rawAltSetting struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8

	Endpoints []rawEndpoint

	Extra []byte
}

// rawEndpoint is a parsed endpoint descriptor, plus its SuperSpeed companion
// descriptor when present.
type rawEndpoint struct {
	Length         uint8
	DescriptorType uint8
	EndpointAddr   uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8

	SSCompanion *superSpeedEndpointCompanion

	Extra []byte
}

type superSpeedEndpointCompanion struct {
	Length           uint8
	DescriptorType   uint8
	MaxBurst         uint8
	Attributes       uint8
	BytesPerInterval uint16
}

// Unmarshal parses raw configuration descriptor data, bucketing interfaces by
// number and alternate setting and capturing any class-specific bytes that
// trail each interface descriptor in Extra.
func (c *rawConfigDescriptor) Unmarshal(data []byte) error {
	if len(data) < 9 {
		return fmt.Errorf("config descriptor too short: %d bytes", len(data))
	}

	c.Length = data[0]
	c.DescriptorType = data[1]
	c.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	c.NumInterfaces = data[4]
	c.ConfigurationValue = data[5]
	c.ConfigurationIndex = data[6]
	c.Attributes = data[7]
	c.MaxPower = data[8]

	interfaceMap := make(map[uint8]*rawInterface)

	var currentInterface *rawAltSetting
	var currentEndpoints []rawEndpoint
	var extraBuffer []byte

	flush := func() {
		if currentInterface == nil {
			return
		}
		currentInterface.Endpoints = currentEndpoints
		currentInterface.Extra = extraBuffer

		if _, exists := interfaceMap[currentInterface.InterfaceNumber]; !exists {
			interfaceMap[currentInterface.InterfaceNumber] = &rawInterface{}
		}
		interfaceMap[currentInterface.InterfaceNumber].AltSettings = append(
			interfaceMap[currentInterface.InterfaceNumber].AltSettings, *currentInterface)

		extraBuffer = nil
		currentEndpoints = nil
	}

	pos := 9
	for pos < len(data) {
		if pos+2 > len(data) {
			break
		}

		length := int(data[pos])
		descType := data[pos+1]

		if length == 0 || pos+length > len(data) {
			break
		}

		switch descType {
		case usbDtInterface:
			flush()

			if length < 9 {
				return fmt.Errorf("interface descriptor too short: %d bytes", length)
			}

			iface := rawAltSetting{
				Length:            data[pos],
				DescriptorType:    data[pos+1],
				InterfaceNumber:   data[pos+2],
				AlternateSetting:  data[pos+3],
				NumEndpoints:      data[pos+4],
				InterfaceClass:    data[pos+5],
				InterfaceSubClass: data[pos+6],
				InterfaceProtocol: data[pos+7],
				InterfaceIndex:    data[pos+8],
			}

			currentInterface = &iface
			currentEndpoints = make([]rawEndpoint, 0, iface.NumEndpoints)

		case usbDtEndpoint:
			if currentInterface == nil {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
				break
			}

			if length < 7 {
				return fmt.Errorf("endpoint descriptor too short: %d bytes", length)
			}

			endpoint := rawEndpoint{
				Length:         data[pos],
				DescriptorType: data[pos+1],
				EndpointAddr:   data[pos+2],
				Attributes:     data[pos+3],
				MaxPacketSize:  binary.LittleEndian.Uint16(data[pos+4 : pos+6]),
				Interval:       data[pos+6],
			}

			nextPos := pos + length
			if nextPos+2 <= len(data) && data[nextPos+1] == usbDtSSEndpointCompanion {
				companionLen := int(data[nextPos])
				if nextPos+companionLen <= len(data) && companionLen >= 6 {
					endpoint.SSCompanion = &superSpeedEndpointCompanion{
						Length:           data[nextPos],
						DescriptorType:   data[nextPos+1],
						MaxBurst:         data[nextPos+2],
						Attributes:       data[nextPos+3],
						BytesPerInterval: binary.LittleEndian.Uint16(data[nextPos+4 : nextPos+6]),
					}
					pos = nextPos
					length = companionLen
				}
			}

			currentEndpoints = append(currentEndpoints, endpoint)

		case usbDtInterfaceAssoc:
			if currentInterface != nil {
				extraBuffer = append(extraBuffer, data[pos:pos+length]...)
			} else {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			}

		default:
			// Class-specific descriptors (CS_INTERFACE and friends) land here
			// and are handed to C1 verbatim via Extra.
			if currentInterface != nil {
				extraBuffer = append(extraBuffer, data[pos:pos+length]...)
			} else {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			}
		}

		pos += length
	}

	flush()

	c.Interfaces = make([]rawInterface, 0, len(interfaceMap))
	for i := range uint8(255) {
		if iface, exists := interfaceMap[i]; exists {
			c.Interfaces = append(c.Interfaces, *iface)
		}
	}

	return nil
}

func (c *rawConfigDescriptor) GetInterface(interfaceNumber uint8) *rawInterface {
	for i := range c.Interfaces {
		if len(c.Interfaces[i].AltSettings) > 0 &&
			c.Interfaces[i].AltSettings[0].InterfaceNumber == interfaceNumber {
			return &c.Interfaces[i]
		}
	}
	return nil
}

func (c *rawConfigDescriptor) GetInterfaceAltSetting(interfaceNumber, altSetting uint8) *rawAltSetting {
	iface := c.GetInterface(interfaceNumber)
	if iface == nil {
		return nil
	}
	for i := range iface.AltSettings {
		if iface.AltSettings[i].AlternateSetting == altSetting {
			return &iface.AltSettings[i]
		}
	}
	return nil
}

func (c *rawConfigDescriptor) FindEndpoint(endpointAddress uint8) *rawEndpoint {
	for _, iface := range c.Interfaces {
		for _, altSetting := range iface.AltSettings {
			for i := range altSetting.Endpoints {
				if altSetting.Endpoints[i].EndpointAddr == endpointAddress {
					return &altSetting.Endpoints[i]
				}
			}
		}
	}
	return nil
}

func (e *rawEndpoint) IsInput() bool { return (e.EndpointAddr & 0x80) != 0 }

func (e *rawEndpoint) IsOutput() bool { return (e.EndpointAddr & 0x80) == 0 }

func (e *rawEndpoint) Number() uint8 { return e.EndpointAddr & 0x0F }

func (e *rawEndpoint) TransferType() uint8 { return e.Attributes & endpointTypeMask }
