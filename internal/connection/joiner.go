package connection

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
)

// ErrNoInterface is returned when no usable network interface is up
var ErrNoInterface = errors.New("no network interface is up")

// HostJoiner is used when the operating system already manages the network.
// Join and Leave do nothing; Connected reports whether any non-loopback
// interface with an IPv4 address is up.
type HostJoiner struct{}

// Join implements Joiner
func (HostJoiner) Join(ctx context.Context, ssid, password string) error {
	if len(LocalIPs()) == 0 {
		return ErrNoInterface
	}
	return nil
}

// Connected implements Joiner
func (HostJoiner) Connected(ctx context.Context, ssid string) (bool, error) {
	return len(LocalIPs()) > 0, nil
}

// Leave implements Joiner
func (HostJoiner) Leave(ctx context.Context, ssid string) error {
	return nil
}

// LocalIPs returns all local IPv4 addresses of up, non-loopback interfaces
func LocalIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range interfaces {
		// Skip down or loopback interfaces
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			// Skip loopback and IPv6
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}

			ips = append(ips, ip.String())
		}
	}

	return ips
}

// NMCLIJoiner joins Wi-Fi networks through NetworkManager's nmcli
type NMCLIJoiner struct {
	Binary    string // defaults to "nmcli"
	Interface string // optional ifname
}

func (j NMCLIJoiner) run(ctx context.Context, args ...string) ([]byte, error) {
	bin := j.Binary
	if bin == "" {
		bin = "nmcli"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nmcli %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Join implements Joiner
func (j NMCLIJoiner) Join(ctx context.Context, ssid, password string) error {
	args := []string{"device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	if j.Interface != "" {
		args = append(args, "ifname", j.Interface)
	}
	_, err := j.run(ctx, args...)
	return err
}

// Connected implements Joiner
func (j NMCLIJoiner) Connected(ctx context.Context, ssid string) (bool, error) {
	out, err := j.run(ctx, "-t", "-f", "ACTIVE,SSID", "device", "wifi")
	if err != nil {
		return false, err
	}
	return activeSSID(out, ssid), nil
}

// Leave implements Joiner
func (j NMCLIJoiner) Leave(ctx context.Context, ssid string) error {
	_, err := j.run(ctx, "connection", "down", "id", ssid)
	return err
}

// activeSSID parses terse nmcli output ("yes:MyNet") and reports whether
// ssid is the active network.
func activeSSID(out []byte, ssid string) bool {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		active, name, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		// nmcli escapes ':' inside fields
		name = strings.ReplaceAll(name, `\:`, ":")
		if active == "yes" && name == ssid {
			return true
		}
	}
	return false
}
