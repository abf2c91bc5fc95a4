package ca

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/named-data/ndnd/std/engine"
	"github.com/named-data/ndnd/std/log"
	"github.com/named-data/ndnd/std/ndn"
	objstore "github.com/named-data/ndnd/std/object/storage"
	"github.com/named-data/ndnd/std/security/keychain"
	sig "github.com/named-data/ndnd/std/security/signer"
	"github.com/named-data/ndnd/std/utils/toolutils"
	"github.com/spf13/cobra"

	"github.com/named-data/ndncert/ca/challenge"
	"github.com/named-data/ndncert/ca/storage"
)

var CmdCa = &cobra.Command{
	Use:     "run CONFIG-FILE",
	Short:   "Start the NDN Certification Authority",
	GroupID: "run",
	Args:    cobra.ExactArgs(1),
	Run:     run,
}

func run(cmd *cobra.Command, args []string) {
	config := struct {
		Ca *Config `json:"ca"`
	}{
		Ca: DefaultConfig(),
	}
	toolutils.ReadYaml(&config, args[0])

	if err := config.Ca.Parse(); err != nil {
		log.Fatal(nil, "Configuration error", "err", err)
	}
	cfg := config.Ca

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal(nil, "Failed to open storage", "err", err)
	}
	defer store.Close()

	signer, caCert, err := loadIdentity(cfg)
	if err != nil {
		log.Fatal(nil, "Failed to load CA identity", "err", err)
	}

	challenges, err := buildChallenges(cfg, store)
	if err != nil {
		log.Fatal(nil, "Configuration error", "err", err)
	}

	app := engine.NewBasicEngine(engine.NewDefaultFace())
	if err := app.Start(); err != nil {
		log.Fatal(nil, "Failed to start engine", "err", err)
	}
	defer app.Stop()

	ca := NewCa(cfg, app, store, challenges, signer, caCert)
	if err := ca.Start(); err != nil {
		log.Fatal(nil, "Failed to start CA", "err", err)
	}
	defer ca.Stop()

	sigChannel := make(chan os.Signal, 1)
	signal.Notify(sigChannel, os.Interrupt, syscall.SIGTERM)
	<-sigChannel
}

// openStore opens the configured storage backend.
func openStore(cfg *Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		return storage.NewSqliteStore(filepath.Join(cfg.Storage.Dir, "ca.db"))
	case "badger":
		return storage.NewBadgerStore(cfg.Storage.Dir)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

// loadIdentity resolves the CA signer and certificate from the
// configured KeyChain. In insecure mode replies are digest-signed and
// no CA certificate is served in the profile.
func loadIdentity(cfg *Config) (ndn.Signer, []byte, error) {
	if cfg.KeyChainUri == "insecure" {
		log.Warn(nil, "Security is disabled - insecure mode")
		return sig.NewSha256Signer(), nil, nil
	}

	pubStore := objstore.NewMemoryStore()
	kc, err := keychain.NewKeyChain(cfg.KeyChainUri, pubStore)
	if err != nil {
		return nil, nil, err
	}

	ident := kc.IdentityByName(cfg.PrefixN())
	if ident == nil || len(ident.Keys()) == 0 {
		return nil, nil, fmt.Errorf("no key for %s in keychain", cfg.Prefix)
	}
	signer := ident.Keys()[0].Signer()

	caCert, err := pubStore.Get(signer.KeyName(), true)
	if err != nil || caCert == nil {
		return nil, nil, fmt.Errorf("no certificate for %s in keychain", signer.KeyName())
	}

	return signer, caCert, nil
}

// buildChallenges instantiates the configured challenge modules.
func buildChallenges(cfg *Config, store storage.Store) (*challenge.Registry, error) {
	reg := challenge.NewRegistry()

	for _, name := range cfg.Challenges {
		switch name {
		case "pin":
			reg.Register(&challenge.Pin{})
		case "email":
			reg.Register(&challenge.Email{})
		case "possession":
			reg.Register(&challenge.Possession{
				Lookup: func(certId string) ([]byte, bool) {
					rec, err := store.GetCert(certId)
					if err != nil {
						return nil, false
					}
					return rec.Cert, true
				},
			})
		default:
			return nil, fmt.Errorf("unknown challenge: %s", name)
		}
	}

	return reg, nil
}
