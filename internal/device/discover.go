package device

import (
	"os/exec"
	"strings"

	"github.com/babelcloud/micstream/internal/util"
	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
	"go.uber.org/multierr"
)

// Peer is a device a transport medium could reach
type Peer struct {
	Medium         string `json:"medium"`
	ID             string `json:"id"`
	Status         string `json:"status"`
	Model          string `json:"model,omitempty"`
	ConnectionType string `json:"connectionType"`
	Detail         string `json:"detail,omitempty"`
}

// Usable reports whether a backend could open a session to the peer now
func (p Peer) Usable() bool {
	return p.Status == "device" || p.Status == "available"
}

// Discoverer lists adb devices and USB serial ports
type Discoverer struct {
	runADB    func(args ...string) ([]byte, error)
	listPorts func() ([]*enumerator.PortDetails, error)
}

func NewDiscoverer() *Discoverer {
	adbPath, err := exec.LookPath("adb")
	if err != nil {
		adbPath = "adb"
	}
	return &Discoverer{
		runADB: func(args ...string) ([]byte, error) {
			return exec.Command(adbPath, args...).Output()
		},
		listPorts: enumerator.GetDetailedPortsList,
	}
}

// ADBDevices returns every device adb knows about, in any state
func (d *Discoverer) ADBDevices() ([]Peer, error) {
	out, err := d.runADB("devices", "-l")
	if err != nil {
		return nil, errors.Wrap(err, "failed to run adb devices")
	}
	return parseADBDevices(string(out)), nil
}

func parseADBDevices(output string) []Peer {
	var peers []Peer
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		peer := Peer{
			Medium:         "ADB",
			ID:             parts[0],
			Status:         parts[1],
			ConnectionType: "usb",
		}
		if strings.Contains(peer.ID, "._adb._tcp") {
			// mDNS service name (e.g., "adb-A4RYVB3A20008848._adb._tcp")
			peer.ConnectionType = "mdns"
		} else if strings.Contains(peer.ID, ":") {
			peer.ConnectionType = "ip"
		}

		for _, part := range parts[2:] {
			kv := strings.SplitN(part, ":", 2)
			if len(kv) != 2 {
				continue
			}
			switch kv[0] {
			case "model":
				peer.Model = kv[1]
			case "transport_id":
				peer.Detail = "transport " + kv[1]
			}
		}
		peers = append(peers, peer)
	}
	return peers
}

// SerialPorts returns the USB serial ports present on this machine
func (d *Discoverer) SerialPorts() ([]Peer, error) {
	ports, err := d.listPorts()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate serial ports")
	}
	var peers []Peer
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		peer := Peer{
			Medium:         "USB",
			ID:             p.Name,
			Status:         "available",
			Model:          p.Product,
			ConnectionType: "serial",
			Detail:         strings.ToLower(p.VID + ":" + p.PID),
		}
		if p.SerialNumber != "" {
			peer.Detail += " sn " + p.SerialNumber
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// All lists every medium. A medium that fails to list does not hide the
// others; its error is combined into the returned error.
func (d *Discoverer) All() ([]Peer, error) {
	var peers []Peer
	var errs error

	adbPeers, err := d.ADBDevices()
	if err != nil {
		util.Component("device").Debug("adb listing failed", "error", err)
		errs = multierr.Append(errs, err)
	}
	peers = append(peers, adbPeers...)

	serialPeers, err := d.SerialPorts()
	if err != nil {
		util.Component("device").Debug("serial listing failed", "error", err)
		errs = multierr.Append(errs, err)
	}
	peers = append(peers, serialPeers...)

	return peers, errs
}
