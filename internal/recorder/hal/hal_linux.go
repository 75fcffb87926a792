//go:build linux

package hal

const sysfsGPIORoot = "/sys/class/gpio"

func openPlatform(pin int) (LED, error) {
	return openSysfs(sysfsGPIORoot, pin)
}
