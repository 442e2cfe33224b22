package gattc

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/status"
	"github.com/srg/blehost/transport"
	"github.com/srg/blehost/waitable"
)

type discoveryPhase int

const (
	phaseServices discoveryPhase = iota
	phaseCharacteristics
	phaseDescriptors
	phaseDone
)

// discoverer walks the peer's attribute database bottom-up: primary
// services first, then each service's characteristics, then each
// characteristic's descriptors. Exactly one request is outstanding at any
// time; an AttributeNotFound reply is the normal end of a range, not an
// error. All methods run on the dispatch goroutine.
type discoverer struct {
	c      *Client
	logger *logrus.Entry
	w      *waitable.Waitable[*Database]

	phase    discoveryPhase
	db       *Database
	services []*Service
	svcIdx   int // current service (characteristic + descriptor phases)
	charIdx  int // current characteristic (descriptor phase)
}

func newDiscoverer(c *Client, w *waitable.Waitable[*Database]) *discoverer {
	return &discoverer{
		c:      c,
		logger: c.logger,
		w:      w,
		phase:  phaseServices,
		db:     newDatabase(),
	}
}

func (d *discoverer) start() {
	d.logger.Debug("Starting service discovery")
	d.sendServiceWindow(1)
}

// abort fails the procedure; nothing discovered so far becomes visible.
func (d *discoverer) abort(err error) {
	d.phase = phaseDone
	d.w.Fail(err)
}

func (d *discoverer) send(cmd transport.Command) {
	if err := d.c.sender.Send(cmd); err != nil {
		d.abort(err)
	}
}

// ----------------------------------------------------------------------------
// Service phase
// ----------------------------------------------------------------------------

func (d *discoverer) sendServiceWindow(start uint16) {
	d.send(transport.DiscoverPrimaryServicesCommand{
		Conn:        d.c.conn.ID(),
		StartHandle: start,
		EndHandle:   0xFFFF,
	})
}

func (d *discoverer) onServices(p transport.ServiceDiscoveryPayload) {
	if d.phase != phaseServices {
		return
	}
	if p.Status == transport.AttAttributeNotFound {
		d.beginCharacteristics()
		return
	}
	if p.Status != transport.AttSuccess {
		d.abort(attError("service discovery", p.Status))
		return
	}
	var last uint16
	for _, r := range p.Services {
		svc := newService(r)
		d.db.addService(svc)
		d.services = append(d.services, svc)
		last = r.EndHandle
	}
	if len(p.Services) == 0 || last >= 0xFFFF {
		d.beginCharacteristics()
		return
	}
	d.sendServiceWindow(last + 1)
}

// ----------------------------------------------------------------------------
// Characteristic phase
// ----------------------------------------------------------------------------

func (d *discoverer) beginCharacteristics() {
	d.phase = phaseCharacteristics
	d.svcIdx = 0
	d.nextCharWindow(0)
}

// nextCharWindow requests the next characteristic window of the current
// service starting at start, advancing to the next service (and then to
// the descriptor phase) when ranges are exhausted.
func (d *discoverer) nextCharWindow(start uint16) {
	for d.svcIdx < len(d.services) {
		svc := d.services[d.svcIdx]
		if start == 0 {
			start = svc.StartHandle + 1
		}
		if start <= svc.EndHandle {
			d.send(transport.DiscoverCharacteristicsCommand{
				Conn:        d.c.conn.ID(),
				StartHandle: start,
				EndHandle:   svc.EndHandle,
			})
			return
		}
		d.svcIdx++
		start = 0
	}
	d.beginDescriptors()
}

func (d *discoverer) onCharacteristics(p transport.CharacteristicDiscoveryPayload) {
	if d.phase != phaseCharacteristics {
		return
	}
	if p.Status == transport.AttAttributeNotFound {
		d.svcIdx++
		d.nextCharWindow(0)
		return
	}
	if p.Status != transport.AttSuccess {
		d.abort(attError("characteristic discovery", p.Status))
		return
	}
	svc := d.services[d.svcIdx]
	var last uint16
	for _, decl := range p.Characteristics {
		svc.addCharacteristic(&Characteristic{
			UUID:        NormalizeUUID(decl.UUID),
			DeclHandle:  decl.DeclHandle,
			ValueHandle: decl.ValueHandle,
			Properties:  decl.Properties,
		})
		last = decl.ValueHandle
	}
	if len(p.Characteristics) == 0 || last >= svc.EndHandle {
		d.svcIdx++
		d.nextCharWindow(0)
		return
	}
	d.nextCharWindow(last + 1)
}

// ----------------------------------------------------------------------------
// Descriptor phase
// ----------------------------------------------------------------------------

func (d *discoverer) beginDescriptors() {
	d.phase = phaseDescriptors
	d.svcIdx = 0
	d.charIdx = 0
	d.nextDescriptorWindow(0)
}

// descriptorRange bounds a characteristic's descriptors by the next
// characteristic's declaration handle, or the service end for the last
// one. Returns ok=false when the range is empty.
func descriptorRange(svc *Service, chars []*Characteristic, idx int) (uint16, uint16, bool) {
	start := chars[idx].ValueHandle + 1
	end := svc.EndHandle
	if idx+1 < len(chars) {
		end = chars[idx+1].DeclHandle - 1
	}
	return start, end, start <= end
}

// nextDescriptorWindow requests the next descriptor window of the current
// characteristic starting at start, advancing to the next characteristic
// (and finally finishing the procedure) when ranges are exhausted.
func (d *discoverer) nextDescriptorWindow(start uint16) {
	for d.svcIdx < len(d.services) {
		svc := d.services[d.svcIdx]
		chars := svc.Characteristics()
		for d.charIdx < len(chars) {
			first, end, ok := descriptorRange(svc, chars, d.charIdx)
			if ok {
				if start == 0 {
					start = first
				}
				if start <= end {
					d.send(transport.DiscoverDescriptorsCommand{
						Conn:        d.c.conn.ID(),
						StartHandle: start,
						EndHandle:   end,
					})
					return
				}
			}
			d.charIdx++
			start = 0
		}
		d.svcIdx++
		d.charIdx = 0
	}
	d.finish()
}

func (d *discoverer) onDescriptors(p transport.DescriptorDiscoveryPayload) {
	if d.phase != phaseDescriptors {
		return
	}
	if p.Status == transport.AttAttributeNotFound {
		d.charIdx++
		d.nextDescriptorWindow(0)
		return
	}
	if p.Status != transport.AttSuccess {
		d.abort(attError("descriptor discovery", p.Status))
		return
	}
	svc := d.services[d.svcIdx]
	chars := svc.Characteristics()
	char := chars[d.charIdx]
	var last uint16
	for _, decl := range p.Descriptors {
		char.Descriptors = append(char.Descriptors, &Descriptor{
			UUID:   NormalizeUUID(decl.UUID),
			Handle: decl.Handle,
		})
		last = decl.Handle
	}
	_, end, _ := descriptorRange(svc, chars, d.charIdx)
	if len(p.Descriptors) == 0 || last >= end {
		d.charIdx++
		d.nextDescriptorWindow(0)
		return
	}
	d.nextDescriptorWindow(last + 1)
}

func (d *discoverer) finish() {
	d.phase = phaseDone
	total := 0
	for _, svc := range d.services {
		total += svc.chars.Len()
	}
	d.logger.WithFields(logrus.Fields{
		"services":        len(d.services),
		"characteristics": total,
	}).Info("Service discovery complete")
	d.c.setDatabase(d.db)
	d.w.Resolve(d.db)
}

// routeDiscoveryEvent feeds discovery responses into the running
// procedure. Returns false when no discovery is in progress.
func (d *discoverer) routeDiscoveryEvent(ev transport.Event) bool {
	if d == nil || d.phase == phaseDone {
		return false
	}
	switch p := ev.Payload.(type) {
	case transport.ServiceDiscoveryPayload:
		d.onServices(p)
	case transport.CharacteristicDiscoveryPayload:
		d.onCharacteristics(p)
	case transport.DescriptorDiscoveryPayload:
		d.onDescriptors(p)
	default:
		return false
	}
	return true
}

var errDiscoveryBusy = status.Errorf(status.CodeBusy, "service discovery already in progress")
