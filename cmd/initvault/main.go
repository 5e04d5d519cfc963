package main

import (
	"flag"

	"github.com/Hussein-Mazeh/duressvault/internal/config"
	"github.com/Hussein-Mazeh/duressvault/internal/logger"
	"github.com/Hussein-Mazeh/duressvault/internal/vault"
	"github.com/Hussein-Mazeh/duressvault/store"
)

func main() {
	dir := flag.String("dir", "", "vault directory (defaults to PM_DIR)")
	flag.Parse()

	cfg, err := config.NewConfig()
	if err != nil {
		logger.New(0).Fatal("load config", "error", err)
	}
	log := logger.New(cfg.LogLevel)
	if *dir != "" {
		cfg.Dir = *dir
	}

	reg, err := vault.NewRegistry(store.Paths{Dir: cfg.Dir}, cfg.KDF.Params(), nil)
	if err != nil {
		log.Fatal("initialize vault registry", "dir", cfg.Dir, "error", err)
	}
	ns, err := reg.OpenNamespace(vault.DefaultVaultID)
	if err != nil {
		log.Fatal("initialize default vault", "error", err)
	}
	defer ns.Close()

	log.Info("vault directory ready", "dir", cfg.Dir, "vaults", len(reg.Vaults()))
}
