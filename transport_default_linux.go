//go:build linux

package uvc

func defaultTransport() UsbTransport {
	return NewLinuxTransport(LinuxTransportOptions{AutoDetachVC: envAutoDetach()})
}
