package radiosim

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/user/aircard/logger"
	"github.com/user/aircard/radio"
)

// lanService is the mDNS service type devices announce in LAN mode.
const lanService = "_aircard._tcp"

const lanDomain = "local."

// advertisement is the sidecar record a directory-mode device leaves
// next to its socket. Scanners poll the directory for these.
type advertisement struct {
	DeviceID     string   `json:"device_id"`
	DeviceName   string   `json:"device_name"`
	ServiceUUIDs []string `json:"service_uuids"`
	Connectable  bool     `json:"connectable"`
}

func (s *SimRadio) StartAdvertising(serviceID, localName string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.advertising {
		s.mu.Unlock()
		return nil
	}
	s.advertising = true
	s.mu.Unlock()

	var err error
	if s.cfg.LAN {
		err = s.registerLAN(serviceID, localName)
	} else {
		err = s.writeAdvertisement(serviceID, localName)
	}
	if err != nil {
		s.mu.Lock()
		s.advertising = false
		s.mu.Unlock()
		s.post(radio.Event{Kind: radio.EventAdvertising, Err: err})
		return nil
	}
	logger.Debug(s.prefix, "advertising as %q", localName)
	s.post(radio.Event{Kind: radio.EventAdvertising})
	return nil
}

func (s *SimRadio) StopAdvertising() {
	s.mu.Lock()
	if !s.advertising {
		s.mu.Unlock()
		return
	}
	s.advertising = false
	zc := s.zc
	s.zc = nil
	s.mu.Unlock()

	if zc != nil {
		zc.Shutdown()
	}
	if !s.cfg.LAN {
		os.Remove(s.advPath(s.cfg.DeviceID))
	}
	logger.Debug(s.prefix, "advertising stopped")
}

func (s *SimRadio) writeAdvertisement(serviceID, localName string) error {
	adv := advertisement{
		DeviceID:     s.cfg.DeviceID,
		DeviceName:   localName,
		ServiceUUIDs: []string{serviceID},
		Connectable:  true,
	}
	data, err := json.MarshalIndent(adv, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.advPath(s.cfg.DeviceID), data, 0o644)
}

func (s *SimRadio) registerLAN(serviceID, localName string) error {
	port := s.listener.Addr().(*net.TCPAddr).Port
	txt := []string{
		"device_id=" + s.cfg.DeviceID,
		"service=" + serviceID,
		"name=" + localName,
	}
	srv, err := zeroconf.Register(localName, lanService, lanDomain, port, txt, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		srv.Shutdown()
		return nil
	}
	s.zc = srv
	s.mu.Unlock()
	return nil
}

func (s *SimRadio) StartScan(serviceID string) error {
	s.mu.Lock()
	if s.closed || s.scanning {
		s.mu.Unlock()
		return nil
	}
	s.scanning = true
	stop := make(chan struct{})
	s.scanStop = stop
	s.mu.Unlock()

	s.wg.Add(1)
	if s.cfg.LAN {
		go s.lanScanLoop(serviceID, stop)
	} else {
		go s.dirScanLoop(serviceID, stop)
	}
	logger.Debug(s.prefix, "scanning for %s", short(serviceID))
	return nil
}

func (s *SimRadio) StopScan() {
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return
	}
	s.scanning = false
	stop := s.scanStop
	s.scanStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// dirScanLoop polls the shared directory for advertising sidecars.
// Every poll re-reports everything it sees; the embedder decides what
// is new.
func (s *SimRadio) dirScanLoop(serviceID string, stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.quit:
			return
		case <-ticker.C:
			for _, adv := range s.readAdvertisements(serviceID) {
				s.post(radio.Event{
					Kind: radio.EventDiscovered,
					Peer: adv.DeviceID,
					Name: adv.DeviceName,
					RSSI: s.rssi(),
				})
			}
		}
	}
}

func (s *SimRadio) readAdvertisements(serviceID string) []advertisement {
	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, "aircard-*.adv.json"))
	if err != nil {
		return nil
	}
	var out []advertisement
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var adv advertisement
		if err := json.Unmarshal(data, &adv); err != nil {
			continue
		}
		if adv.DeviceID == "" || adv.DeviceID == s.cfg.DeviceID || !adv.Connectable {
			continue
		}
		if serviceID != "" && !containsString(adv.ServiceUUIDs, serviceID) {
			continue
		}
		// A sidecar with no socket behind it is a crashed device.
		if _, err := os.Stat(s.socketPath(adv.DeviceID)); err != nil {
			continue
		}
		out = append(out, adv)
	}
	return out
}

// lanScanLoop runs repeated bounded mDNS browses so discovery keeps
// re-reporting peers, matching the directory poller's cadence.
func (s *SimRadio) lanScanLoop(serviceID string, stop chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-s.quit:
			return
		default:
		}
		s.lanBrowse(serviceID, stop)
		select {
		case <-stop:
			return
		case <-s.quit:
			return
		case <-time.After(s.cfg.ScanInterval):
		}
	}
}

func (s *SimRadio) lanBrowse(serviceID string, stop chan struct{}) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		logger.Warn(s.prefix, "mDNS resolver: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			s.reportLANEntry(entry, serviceID)
		}
	}()
	if err := resolver.Browse(ctx, lanService, lanDomain, entries); err != nil {
		logger.Warn(s.prefix, "mDNS browse: %v", err)
		cancel()
		return
	}
	<-ctx.Done()
	<-done
}

func (s *SimRadio) reportLANEntry(entry *zeroconf.ServiceEntry, serviceID string) {
	txt := txtToMap(entry.Text)
	id := txt["device_id"]
	if id == "" || id == s.cfg.DeviceID {
		return
	}
	if serviceID != "" && txt["service"] != serviceID {
		return
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return
	}
	s.mu.Lock()
	s.addrs[id] = net.JoinHostPort(host, strconv.Itoa(entry.Port))
	s.mu.Unlock()

	name := txt["name"]
	if name == "" {
		name = entry.Instance
	}
	s.post(radio.Event{Kind: radio.EventDiscovered, Peer: id, Name: name, RSSI: s.rssi()})
}

func txtToMap(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, kv := range txt {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
