//go:build !linux

package uvc

import "errors"

func defaultTransport() UsbTransport {
	return unsupportedTransport{}
}

type unsupportedTransport struct{}

func (unsupportedTransport) ListDevices() ([]DeviceInfo, error) {
	return nil, errors.New("uvc: no USBDEVFS transport available on this platform")
}

func (unsupportedTransport) Open(DeviceInfo) (DeviceHandle, error) {
	return nil, errors.New("uvc: no USBDEVFS transport available on this platform")
}
