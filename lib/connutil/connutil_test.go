package connutil

import (
	"context"
	"flag"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gotmc/labinst"
	"github.com/gotmc/labinst/lib/config"
	"github.com/gotmc/labinst/lib/find"
)

func TestFlags(t *testing.T) {
	c := Conn{Port: 5900}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.AddFlags(fs)
	if err := fs.Parse([]string{"-addr", "10.1.2.3", "-timeout", "2s", "-sim", "-delay", "5ms"}); err != nil {
		t.Fatal(err)
	}
	if c.Addr != "10.1.2.3" || c.Timeout != 2*time.Second || !c.Simulate || c.Delay != 5*time.Millisecond || c.Baud != labinst.DefaultBaudRate {
		t.Fatalf("conn = %+v", c)
	}
	e, err := c.Endpoint()
	if err != nil || e != labinst.TCP("10.1.2.3", 5900) {
		t.Errorf("Endpoint = %v, %v", e, err)
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		c       Conn
		want    labinst.Endpoint
		wantErr bool
	}{
		{Conn{Addr: "host:4000", Port: 5025}, labinst.TCP("host", 4000), false},
		{Conn{Addr: "serial:///dev/ttyS1", Baud: 115200}, labinst.Serial("/dev/ttyS1", 115200), false},
		{Conn{Addr: "serial:///dev/ttyS1?baud=19200", Baud: 115200}, labinst.Serial("/dev/ttyS1", 19200), false},
		{Conn{Simulate: true, Port: 5900}, labinst.TCP("sim", 5900), false},
		{Conn{Simulate: true, SerialMatch: "vidpid=0403:6001", Baud: 9600}, labinst.Serial("sim", 9600), false},
		{Conn{}, labinst.Endpoint{}, true},
		{Conn{SerialMatch: "color=red"}, labinst.Endpoint{}, true},
	}
	for _, tc := range tests {
		got, err := tc.c.Endpoint()
		if (err != nil) != tc.wantErr || (!tc.wantErr && got != tc.want) {
			t.Errorf("%+v: Endpoint = %v, %v", tc.c, got, err)
		}
	}
}

func TestSerialMatchWithoutAdapters(t *testing.T) {
	old := find.SysRoot
	find.SysRoot = filepath.Join(t.TempDir(), "sys")
	defer func() { find.SysRoot = old }()

	c := Conn{SerialMatch: "serial=A603UX94", Addr: "10.0.0.1"}
	if _, err := c.Endpoint(); err == nil {
		t.Fatal("matched an adapter in an empty sysfs")
	}
}

func TestSetupSimulated(t *testing.T) {
	sim := labinst.NewEchoSimulator("ACME,SIM,1,1")
	c := Conn{Simulate: true, Port: 5025, Identify: true}
	c.Logger().SetLevel(logrus.PanicLevel)
	s, cleanup, err := c.Setup(context.Background(), sim, labinst.WithInitCommands("*CLS"))
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	if !s.Simulated() {
		t.Error("session not simulated")
	}
	if h := sim.History(); len(h) != 2 || h[0] != "*CLS" || h[1] != "*IDN?" {
		t.Errorf("history = %q", h)
	}

	c = Conn{Simulate: true, Port: 5025}
	c.Logger().SetLevel(logrus.PanicLevel)
	if _, _, err := c.Setup(context.Background(), nil); err == nil {
		t.Error("simulation without a simulator accepted")
	}
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.Instrument{Family: config.FamilyAFG, Address: "10.0.0.6", Timeout: time.Second})
	e, err := c.Endpoint()
	if err != nil || e != labinst.TCP("10.0.0.6", 4000) || c.Timeout != time.Second {
		t.Errorf("FromConfig = %+v, %v, %v", c, e, err)
	}
}

func TestParseGPIB(t *testing.T) {
	tests := []struct {
		in   string
		want labinst.GPIBAdapter
		ok   bool
	}{
		{"6", labinst.GPIBAdapter{Addr: 6}, true},
		{" 12 , 100 ", labinst.GPIBAdapter{Addr: 12, Secondary: 100}, true},
		{"5,AR488", labinst.GPIBAdapter{Addr: 5, AR488: true}, true},
		{"5,96,ar488", labinst.GPIBAdapter{Addr: 5, Secondary: 96, AR488: true}, true},
		{"31", labinst.GPIBAdapter{}, false},
		{"5,50", labinst.GPIBAdapter{}, false},
		{"x", labinst.GPIBAdapter{}, false},
		{"1,2,3", labinst.GPIBAdapter{}, false},
	}
	for _, tc := range tests {
		got, err := ParseGPIB(tc.in)
		if (err == nil) != tc.ok || (tc.ok && got != tc.want) {
			t.Errorf("ParseGPIB(%q) = %+v, %v", tc.in, got, err)
		}
	}
}

func TestSetupThroughGPIBAdapter(t *testing.T) {
	sim := labinst.NewEchoSimulator("HEWLETT-PACKARD,E3631A,0,2.1-5.0-1.0")
	c := Conn{Simulate: true, GPIB: &labinst.GPIBAdapter{Addr: 5, AR488: true}}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.AddFlags(fs)
	if err := fs.Parse([]string{"-gpib", "6"}); err != nil {
		t.Fatal(err)
	}
	if c.GPIB.Addr != 6 || c.GPIB.AR488 {
		t.Fatalf("gpib flag = %+v", c.GPIB)
	}
	c.Logger().SetLevel(logrus.PanicLevel)
	_, cleanup, err := c.Setup(context.Background(), sim, labinst.WithInitCommands("*CLS"))
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	h := sim.History()
	if len(h) < 3 || h[0] != "++verbose 0" || h[2] != "++addr 6" || h[len(h)-1] != "*CLS" {
		t.Errorf("history = %q", h)
	}
}
