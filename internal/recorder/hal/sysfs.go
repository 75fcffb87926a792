package hal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// sysfsLED drives a pin through the legacy /sys/class/gpio interface.
type sysfsLED struct {
	root  string
	pin   int
	value *os.File
}

func openSysfs(root string, pin int) (*sysfsLED, error) {
	dir := filepath.Join(root, "gpio"+strconv.Itoa(pin))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(pin)), 0)
		if err != nil && !errors.Is(err, syscall.EBUSY) {
			return nil, fmt.Errorf("export gpio %d: %w", pin, err)
		}
	}

	// udev may need a moment to fix permissions on a freshly exported pin.
	var err error
	for i := 0; i < 10; i++ {
		if err = os.WriteFile(filepath.Join(dir, "direction"), []byte("out"), 0); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("set gpio %d direction: %w", pin, err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "value"), os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open gpio %d value: %w", pin, err)
	}
	return &sysfsLED{root: root, pin: pin, value: f}, nil
}

func (l *sysfsLED) Set(on bool) error {
	v := []byte("0")
	if on {
		v = []byte("1")
	}
	if _, err := l.value.WriteAt(v, 0); err != nil {
		return fmt.Errorf("write gpio %d: %w", l.pin, err)
	}
	return nil
}

func (l *sysfsLED) Close() error {
	return l.value.Close()
}
