package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/relstack/packet"
)

// stdoutDelivery is the demo daemon's stack.Delivery: it just prints
// whatever the engine hands it, the way cmd/dtncat prints a fetched
// bundle's payload straight to stdout.
type stdoutDelivery struct{}

func (stdoutDelivery) AppRecv(data []byte) error {
	fmt.Printf("%s\n", data)
	return nil
}

func (stdoutDelivery) RawRecv(pkt packet.Packet) error {
	log.WithField("bytes", pkt.Buffer().Len()).Debug("received raw control packet")
	pkt.Reset()
	return nil
}
