package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.n16f.net/program"
)

func addEnsureCommand() {
	p.AddCommand("ensure",
		"obtain or renew the certificate if it is missing or about to expire",
		cmdEnsure)
}

func cmdEnsure(p *program.Program) {
	k := newKeeper()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer cancel()

	pair, err := k.EnsureCertificate(ctx)
	if err != nil {
		p.Fatal("cannot ensure certificate: %v", err)
	}

	info := pair.Info

	p.Info("certificate %s valid until %s", info.Fingerprint,
		info.NotAfter.UTC().Format(time.RFC3339))
}
