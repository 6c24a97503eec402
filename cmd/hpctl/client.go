package main

import (
	"crypto/ed25519"
	"fmt"

	"github.com/org/healthpassport/internal/gateway"
	"github.com/org/healthpassport/internal/nodeclient"
	"github.com/org/healthpassport/internal/orchestrator"
	"github.com/org/healthpassport/internal/session"
)

// clientBundle wires everything a command needs: the node client, the
// gateway over the configured key services, and the orchestrator acting
// as the local identity.
type clientBundle struct {
	node *nodeclient.Client
	orc  *orchestrator.Orchestrator
}

// newBundle builds the client stack from the current config.
func newBundle() (*clientBundle, error) {
	key, err := loadIdentity(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return newBundleWithKey(key)
}

func newBundleWithKey(key ed25519.PrivateKey) (*clientBundle, error) {
	node := nodeclient.New(cfg.NodeAddress, key)

	if len(cfg.KeyServices) == 0 {
		return nil, fmt.Errorf("no key_services configured in %s", configPath())
	}
	services := make([]gateway.KeyService, len(cfg.KeyServices))
	for i, ks := range cfg.KeyServices {
		if ks.ID == "" || ks.Address == "" {
			return nil, fmt.Errorf("key service %d needs both id and address", i)
		}
		services[i] = gateway.NewServiceClient(ks.ID, ks.Address)
	}
	g, err := gateway.New(services...)
	if err != nil {
		return nil, err
	}

	signer := func(challenge []byte) ([]byte, error) {
		return ed25519.Sign(key, challenge), nil
	}
	sessions := session.NewManager(node.Identity(), cfg.SessionTTL, signer)

	orc := orchestrator.New(node, node, g, sessions, node.Identity())
	return &clientBundle{node: node, orc: orc}, nil
}
