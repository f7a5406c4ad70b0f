package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jeffwitz/go-uvc"
)

func main() {
	var (
		vendorID    = flag.String("vid", "", "USB Vendor ID in hex (e.g., 046d for Logitech)")
		productID   = flag.String("pid", "", "USB Product ID in hex (e.g., 08e5 for C920)")
		listDevices = flag.Bool("list", false, "List all USB devices")
		fps         = flag.Float64("fps", 30, "requested frame rate for the negotiation summary")
	)
	flag.Parse()

	fmt.Println("USB Video Class (UVC) Info")
	fmt.Println("==========================")

	if *listDevices {
		printDeviceList()
		return
	}

	selector := uvc.DeviceSelector{}
	if *vendorID != "" && *productID != "" {
		var vid, pid uint16
		if _, err := fmt.Sscanf(*vendorID, "%x", &vid); err != nil {
			fatalf("invalid vendor id %q", *vendorID)
		}
		if _, err := fmt.Sscanf(*productID, "%x", &pid); err != nil {
			fatalf("invalid product id %q", *productID)
		}
		selector = uvc.ByVendorProduct(vid, pid)
	} else {
		selector = uvc.ByIndex(0)
	}

	cam, err := uvc.Open(selector)
	if err != nil {
		fatalf("open: %v", err)
	}
	defer cam.Close()

	info := cam.DeviceInfo()
	fmt.Printf("\nDevice Information:\n")
	fmt.Printf("  Vendor ID:  0x%04x\n", info.VendorID)
	fmt.Printf("  Product ID: 0x%04x\n", info.ProductID)
	if info.Product != "" {
		fmt.Printf("  Product:    %s\n", info.Product)
	}
	if info.Serial != "" {
		fmt.Printf("  Serial:     %s\n", info.Serial)
	}

	fmt.Println("\n--- Camera Controls ---")
	entries, err := cam.EnumerateControls(false)
	if err != nil {
		fmt.Printf("  Warning: failed to enumerate controls: %v\n", err)
	}
	for _, e := range entries {
		fmt.Printf("  %s\n", e.String())
	}

	fmt.Println("\n--- Supported Video Formats ---")
	si := cam.PrimaryStreamingInterface()
	for _, f := range si.Formats {
		fmt.Printf("  Format %d (%s): %s\n", f.Index, f.Description, uvc.GUIDString(f.GUID))
		for _, fr := range f.Frames {
			fmt.Printf("    Frame %d: %dx%d, %d interval(s)\n", fr.Index, fr.Width, fr.Height, len(fr.Intervals100ns))
		}
	}

	if len(si.Formats) == 0 || len(si.Formats[0].Frames) == 0 {
		return
	}

	format, frame, err := cam.SelectStream(uvc.StreamSelector{})
	if err != nil {
		fmt.Printf("\n(no stream negotiation attempted: %v)\n", err)
		return
	}
	commit, err := cam.ConfigureStream(format, frame, uvc.ConfigureOptions{FPS: *fps})
	if err != nil {
		fmt.Printf("\nnegotiation failed: %v\n", err)
		return
	}
	fmt.Printf("\nNegotiated: format=%d frame=%d interval=%d max_frame_size=%d max_payload=%d\n",
		commit.FormatIndex, commit.FrameIndex, commit.Interval100ns, commit.MaxVideoFrameSize, commit.MaxPayloadTransferSize)
}

func printDeviceList() {
	devices, err := uvc.ListDevices(nil, nil)
	if err != nil {
		fatalf("list devices: %v", err)
	}
	if len(devices) == 0 {
		fmt.Println("No USB devices found.")
		return
	}
	for i, d := range devices {
		fmt.Printf("Device #%d: VID=%04x PID=%04x", i, d.VendorID, d.ProductID)
		if d.Product != "" {
			fmt.Printf(" (%s)", d.Product)
		}
		fmt.Println()
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
