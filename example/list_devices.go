package main

import (
	"fmt"
	"os"

	"github.com/jeffwitz/go-uvc"
)

func main() {
	if os.Getuid() != 0 {
		fmt.Println("Warning: this program may require root privileges to access USB devices")
	}

	devices, err := uvc.ListDevices(nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list devices: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d USB devices:\n\n", len(devices))

	for i, d := range devices {
		fmt.Printf("Device #%d:\n", i+1)
		fmt.Printf("  Path:         %s\n", d.Path)
		fmt.Printf("  Bus:          %03d\n", d.Bus)
		fmt.Printf("  Address:      %03d\n", d.Address)
		fmt.Printf("  VID:PID:      %04x:%04x\n", d.VendorID, d.ProductID)
		if d.Manufacturer != "" {
			fmt.Printf("  Manufacturer: %s\n", d.Manufacturer)
		}
		if d.Product != "" {
			fmt.Printf("  Product:      %s\n", d.Product)
		}
		if d.Serial != "" {
			fmt.Printf("  Serial:       %s\n", d.Serial)
		}

		cam, err := uvc.Open(uvc.ByPath(d.Path))
		if err != nil {
			fmt.Printf("  (not a UVC camera, or open failed: %v)\n\n", err)
			continue
		}

		si := cam.PrimaryStreamingInterface()
		fmt.Printf("  Streaming interface %d, %d format(s)\n", si.InterfaceNumber, len(si.Formats))
		cam.Close()
		fmt.Println()
	}
}
