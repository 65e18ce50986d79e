// otad runs an OTA receiver over a flash image file.
//
// The receiver answers espota invitations on UDP, pulls firmware over TCP
// and writes it into the next OTA slot of the image, exactly as the device
// bootloader layout describes. The other subcommands inspect and edit the
// image offline.
//
// Usage:
//
//	otad run --config otad.yaml
//	otad layout --flash flash.bin
//	otad boot app1 --flash flash.bin
//	otad rollback --flash flash.bin
package main

import (
	"os"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}
