// Package find locates USB serial adapters by their sysfs attributes, so
// that bench configs can name an instrument's adapter instead of a tty
// number that changes between boots.
package find

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// SysRoot is the sysfs mount point.
var SysRoot = "/sys"

type FilterFn func(*Usbtty) bool

// FTDIFilter matches the FTDI converters common on instrument RS-232 ports.
func FTDIFilter(ut *Usbtty) bool {
	return ut.IDv == "0403"
}

// ProlificFilter matches Prolific PL2303 converters.
func ProlificFilter(ut *Usbtty) bool {
	return ut.IDv == "067b"
}

func SerialFilter(s string) FilterFn {
	return func(ut *Usbtty) bool { return ut.Serial == s }
}

func MfgFilter(s string) FilterFn {
	return func(ut *Usbtty) bool { return strings.Contains(strings.ToLower(ut.Mfg), strings.ToLower(s)) }
}

func VidPidFilter(vid, pid string) FilterFn {
	return func(ut *Usbtty) bool {
		return strings.EqualFold(ut.IDv, vid) && (pid == "" || strings.EqualFold(ut.IDp, pid))
	}
}

// ParseMatch turns a config match expression into a filter:
//
//	serial=A603UX94
//	mfg=FTDI
//	vidpid=0403:6001
//	product=USB-Serial
func ParseMatch(expr string) (FilterFn, error) {
	key, val, ok := strings.Cut(strings.TrimSpace(expr), "=")
	if !ok || val == "" {
		return nil, fmt.Errorf("match %q: want key=value", expr)
	}
	switch strings.ToLower(key) {
	case "serial":
		return SerialFilter(val), nil
	case "mfg", "manufacturer":
		return MfgFilter(val), nil
	case "vidpid":
		vid, pid, _ := strings.Cut(val, ":")
		return VidPidFilter(vid, pid), nil
	case "product":
		return func(ut *Usbtty) bool { return strings.Contains(ut.Prod, val) }, nil
	}
	return nil, fmt.Errorf("match %q: unknown key %q", expr, key)
}

// Find searches for a usb serial device. If filter is not nil,
// it is used to narrow choices down. The first device for which
// it returns true (if any) is chosen. The device path is returned.
func Find(filter FilterFn) (string, error) {
	ttys, err := AllUsbTtys()
	if err != nil {
		return "", err
	}
	if filter != nil {
		var matched Usbttys
		for i := range ttys {
			if filter(&ttys[i]) {
				matched = Usbttys{ttys[i]}
				break
			}
		}
		ttys = matched
	}

	if len(ttys) == 0 {
		return "", errors.New("no matching ttys found")
	}
	if len(ttys) == 1 {
		return ttys[0].DevPath(), nil
	}
	return "", fmt.Errorf("multiple ttys:\n%s", ttys)
}

type Usbtty struct {
	Dev, Path string
	IDp, IDv  string
	Mfg, Prod string
	Serial    string
}

// DevPath returns the device node, e.g. /dev/ttyUSB0.
func (u Usbtty) DevPath() string { return "/dev/" + u.Dev }

func (u Usbtty) String() string {
	return fmt.Sprintf("dev %s path %s pid/vid %s/%s mfg/prod %s/%s serial %s", u.Dev, u.Path, u.IDp, u.IDv, u.Mfg, u.Prod, u.Serial)
}

type Usbttys []Usbtty

func (uts Usbttys) String() string {
	s := make([]string, 0, len(uts))
	for _, ut := range uts {
		s = append(s, ut.String())
	}
	return strings.Join(s, "\n")
}

// AllUsbTtys finds ttys on usb devices by following the links in
// SysRoot/class/tty.
func AllUsbTtys() (Usbttys, error) {
	var devs Usbttys
	root, err := filepath.EvalSymlinks(SysRoot)
	if err != nil {
		return nil, err
	}
	sct := filepath.Join(root, "class", "tty")
	entries, err := os.ReadDir(sct)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		// /sys/class/tty/ttyACM0 ->
		// /sys/devices/pci0000:00/0000:00:01.3/0000:02:00.0/usb1/1-10/1-10:1.0/tty/ttyACM0
		path := filepath.Join(sct, e.Name())
		abs, err := filepath.EvalSymlinks(path)
		if err != nil {
			logrus.WithError(err).WithField("path", path).Debug("skipping unresolvable tty link")
			continue
		}
		rel, _ := filepath.Rel(root, abs)
		if !strings.Contains(rel, "usb") {
			continue
		}
		// device points at the interface, e.g. .../usb1/1-10/1-10:1.0; the
		// descriptor files live one level up.
		dev, err := filepath.EvalSymlinks(filepath.Join(abs, "device"))
		if err != nil {
			logrus.WithError(err).WithField("path", abs).Debug("usb tty without device link")
			continue
		}
		idP, idV, mfg, prod, serial, err := readUsbInfo(filepath.Dir(dev))
		if err != nil {
			logrus.WithError(err).WithField("path", abs).Debug("reading usb descriptors")
		}
		devs = append(devs, Usbtty{
			Dev:    e.Name(),
			Path:   abs,
			IDp:    idP,
			IDv:    idV,
			Mfg:    mfg,
			Prod:   prod,
			Serial: serial,
		})
	}
	return devs, nil
}

// readUsbInfo reads product and vendor ids and the mfg/product/serial
// strings. It returns the last error encountered, ignoring os.ErrNotExist;
// errors do not prevent reading the other files.
func readUsbInfo(dev string) (idp, idv, mfg, prod, serial string, err error) {
	read := func(name string) string {
		b, rerr := os.ReadFile(filepath.Join(dev, name))
		if rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = rerr
		}
		return strings.TrimSpace(string(b))
	}
	idp = read("idProduct")
	idv = read("idVendor")
	mfg = read("manufacturer")
	prod = read("product")
	serial = read("serial")
	return idp, idv, mfg, prod, serial, err
}
