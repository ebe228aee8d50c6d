package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
)

// fakeAdvertisement overrides the accessors used by peripheralFromAdvertisement.
type fakeAdvertisement struct {
	ble.Advertisement
	name        string
	addr        string
	rssi        int
	connectable bool
	services    []ble.UUID
	manuf       []byte
}

func (a *fakeAdvertisement) LocalName() string        { return a.name }
func (a *fakeAdvertisement) Addr() ble.Addr           { return ble.NewAddr(a.addr) }
func (a *fakeAdvertisement) RSSI() int                { return a.rssi }
func (a *fakeAdvertisement) Connectable() bool        { return a.connectable }
func (a *fakeAdvertisement) Services() []ble.UUID     { return a.services }
func (a *fakeAdvertisement) ManufacturerData() []byte { return a.manuf }

type writeCall struct {
	char  ble.UUID
	data  []byte
	noRsp bool
}

// fakeClient records writes and subscriptions; unimplemented ble.Client methods panic.
type fakeClient struct {
	ble.Client

	profile    *ble.Profile
	profileErr error
	writeErr   error
	subErr     error

	mu           sync.Mutex
	writes       []writeCall
	subscribed   *ble.Characteristic
	indicate     bool
	handler      ble.NotificationHandler
	cancelCalls  int
	disconnected chan struct{}
}

func newFakeClient(profile *ble.Profile) *fakeClient {
	return &fakeClient{profile: profile, disconnected: make(chan struct{})}
}

func (c *fakeClient) DiscoverProfile(bool) (*ble.Profile, error) {
	return c.profile, c.profileErr
}

func (c *fakeClient) WriteCharacteristic(char *ble.Characteristic, value []byte, noRsp bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, writeCall{char: char.UUID, data: append([]byte(nil), value...), noRsp: noRsp})
	return c.writeErr
}

func (c *fakeClient) Subscribe(char *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed, c.indicate, c.handler = char, ind, h
	return c.subErr
}

func (c *fakeClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCalls++
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.disconnected }

func (c *fakeClient) notify(data []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(data)
}

// fakeDevice serves scans from a fixed advertisement list and dials a fixed client.
type fakeDevice struct {
	ble.Device

	ads     []ble.Advertisement
	scanErr error
	client  ble.Client
	dialErr error
	dialed  []string
}

func (d *fakeDevice) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	for _, a := range d.ads {
		h(a)
	}
	if d.scanErr != nil {
		return d.scanErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	d.dialed = append(d.dialed, a.String())
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.client, nil
}

func uartProfile(writeProps, notifyProps ble.Property) *ble.Profile {
	return &ble.Profile{Services: []*ble.Service{
		{UUID: ble.MustParse("180a")},
		{
			UUID: ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"),
			Characteristics: []*ble.Characteristic{
				{UUID: ble.MustParse("ac7bf687-7a30-4336-a6f6-b8030930854d"), Property: writeProps},
				{UUID: ble.MustParse("2a2b"), Property: notifyProps},
			},
		},
	}}
}
