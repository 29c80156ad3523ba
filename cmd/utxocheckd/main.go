// Command utxocheckd validates transactions against an unspent output set,
// audits the verdicts against a reference implementation and signs PSBTs
// through an ordered chain of signing providers.
//
// Usage:
//
//	utxocheckd [options] import    < outputs.txt
//	utxocheckd [options] [admit]   < txs.hex
//	utxocheckd [options] signpsbt  < packet.b64
//	utxocheckd [options] serve
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	flags "github.com/jessevdk/go-flags"
	"github.com/mit-dci/utxocheck/config"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/differential"
	"github.com/mit-dci/utxocheck/invariant"
	"github.com/mit-dci/utxocheck/log"
	"github.com/mit-dci/utxocheck/mempool"
	"github.com/mit-dci/utxocheck/psbtsign"
	"github.com/mit-dci/utxocheck/signer"
	"github.com/mit-dci/utxocheck/utxo"
)

const appVersion = "0.1.0"

func main() {
	if err := run(); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, args, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Println("utxocheckd version", appVersion)
		return nil
	}

	if err := log.InitLogRotator(cfg.LogFile()); err != nil {
		return err
	}
	defer log.Close()
	if err := log.ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}
	log.Main.Infof("utxocheckd %s on %s", appVersion, cfg.Params().Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	cmd := "admit"
	if len(args) > 0 {
		cmd = args[0]
	}

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	switch cmd {
	case "import":
		return d.importOutputs(os.Stdin)
	case "admit":
		return d.admit(ctx, os.Stdin, os.Stdout)
	case "signpsbt":
		return d.signPSBT(ctx, os.Stdin, os.Stdout)
	case "serve":
		if cfg.KMSListen == "" {
			return errors.New("serve needs --kmslisten")
		}
		<-ctx.Done()
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// daemon holds the wired components.
type daemon struct {
	cfg *config.Config

	source  utxo.Source
	store   io.Closer
	pool    *mempool.Pool
	harness *differential.Harness

	auth      *signer.Authority
	psbt      *psbtsign.Signer
	audit     *signer.FileAudit
	kmsServer *http.Server
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			d.close()
		}
	}()

	switch {
	case cfg.InMemory:
		d.source = utxo.NewSet()
	case cfg.DBBackend == config.DBBolt:
		store, err := utxo.OpenBoltStore(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		d.store, d.source = store, store
	default:
		store, err := utxo.OpenStore(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		d.store, d.source = store, store
	}

	v := consensus.NewValidator(cfg.ChainContext())
	checker := invariant.NewDefaultChecker(alertLogger{})

	ref, err := newReference(cfg)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		d.harness = differential.NewHarness(cfg.HarnessConfig(), ref, v,
			divergenceLogger{})
		d.harness.Start()
	}

	d.pool, err = mempool.New(mempool.Config{
		Validator: v,
		Source:    d.source,
		Checker:   checker,
		Harness:   d.harness,
		Workers:   cfg.Workers,
	})
	if err != nil {
		return nil, err
	}

	if err := d.initSigner(); err != nil {
		return nil, err
	}
	ok = true
	return d, nil
}

func newReference(cfg *config.Config) (differential.ReferenceClient, error) {
	switch cfg.Reference {
	case config.ReferenceBtcd:
		return &differential.BtcdReference{
			Height:         cfg.Height,
			MedianTimePast: time.Unix(cfg.MedianTimePast, 0),
			Params:         cfg.Params(),
			SigCache:       txscript.NewSigCache(cfg.SigCacheSize),
		}, nil
	case config.ReferenceRPC:
		return differential.NewRPCReference(cfg.RPCConnect, cfg.RPCUser,
			cfg.RPCPass, cfg.RPCTLS)
	}
	return nil, nil
}

// initSigner builds the providers in configured order. The software
// keychain is always loaded: its master fingerprint identifies our keys
// in PSBTs and it backs --kmslisten.
func (d *daemon) initSigner() error {
	cfg := d.cfg
	seed, err := loadSeed(cfg.SeedFile)
	if err != nil {
		return err
	}
	soft, err := signer.NewSoftwareProvider(config.ProviderSoftware, seed,
		cfg.Params(), signer.Policy{})
	if err != nil {
		return err
	}

	var providers []signer.Provider
	for _, name := range cfg.ProviderOrder() {
		switch name {
		case config.ProviderSoftware:
			providers = append(providers, soft)
		case config.ProviderToken:
			dev, err := signer.NewSimulatedDevice(seed, cfg.Params(),
				signer.Policy{})
			if err != nil {
				return err
			}
			providers = append(providers,
				signer.NewTokenProvider(config.ProviderToken, dev))
		case config.ProviderKMS:
			providers = append(providers, signer.NewKMSProvider(
				config.ProviderKMS, cfg.KMSURL, cfg.KMSToken, nil))
		}
	}

	d.audit, err = signer.NewFileAudit(cfg.SignerAudit, log.RotateThresholdKB, 3)
	if err != nil {
		return err
	}
	d.auth, err = signer.NewAuthority(cfg.AuthorityConfig(), d.audit,
		providers...)
	if err != nil {
		return err
	}
	d.psbt = psbtsign.New(d.auth, soft.Fingerprint())

	if cfg.KMSListen != "" {
		d.kmsServer = &http.Server{
			Addr:              cfg.KMSListen,
			Handler:           signer.KMSHandler(soft),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Main.Infof("serving kms on %s", cfg.KMSListen)
			err := d.kmsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Main.Errorf("kms server: %v", err)
			}
		}()
	}
	return nil
}

func (d *daemon) close() {
	if d.kmsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.kmsServer.Shutdown(ctx)
		cancel()
	}
	if d.harness != nil {
		d.harness.Stop()
		st := d.harness.Stats()
		log.Main.Infof("audit: %d agree, %d disagree", st.Agree, st.Disagree)
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Main.Errorf("closing store: %v", err)
		}
	}
}

// loadSeed reads a hex seed, creating one when the file does not exist.
func loadSeed(path string) ([]byte, error) {
	seed, err := readSeed(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return seed, err
	}
	seed, err = hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return nil, err
	}
	if err := writeSeed(path, seed); err != nil {
		return nil, err
	}
	log.Main.Infof("generated new seed in %s", path)
	return seed, nil
}

type alertLogger struct{}

func (alertLogger) Alert(a invariant.Alert) {
	log.Main.Criticalf("invariant %s failed on %v: %s", a.Invariant, a.TxID,
		a.Detail)
}

type divergenceLogger struct{}

func (divergenceLogger) Divergence(d differential.Divergence) {
	log.Main.Criticalf("reference divergence: %v", d.Outcome)
}
