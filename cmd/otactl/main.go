// otactl uploads firmware to ESP32 style OTA receivers and prepares images
// for them.
//
// Usage:
//
//	otactl upload firmware.bin --host 192.168.1.20
//	otactl upload spiffs.bin --host garage --spiffs --password secret
//	otactl discover
//	otactl encrypt firmware.bin firmware.enc --key-file key.bin --address 0x10000
//	otactl sign firmware.bin firmware.signed --key signing.pem
//	otactl md5 firmware.bin
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
