package main

import (
	"strings"
	"time"

	"go.n16f.net/program"
)

func addStatusCommand() {
	p.AddCommand("status",
		"print the stored certificate and whether it must be renewed",
		cmdStatus)
}

func cmdStatus(p *program.Program) {
	k := newKeeper()

	eval, err := k.Status()
	if err != nil {
		p.Fatal("cannot evaluate certificate: %v", err)
	}

	t := program.NewKeyValueTable()

	t.AddRow("data directory", k.Cfg.DataDir)
	t.AddRow("common name", k.Cfg.CommonName)

	if info := eval.Info; info != nil {
		t.AddRow("DNS names", strings.Join(info.DNSNames, "\n"))
		t.AddRow("issuer", info.Issuer)
		t.AddRow("serial number", info.SerialNumber.Text(16))
		t.AddRow("fingerprint", info.Fingerprint)
		t.AddRow("not before", info.NotBefore.UTC().Format(time.RFC3339))
		t.AddRow("not after", info.NotAfter.UTC().Format(time.RFC3339))
		t.AddRow("renewal time", eval.RenewalTime.UTC().Format(time.RFC3339))
	}

	t.AddRow("decision", eval.Decision.String())
	t.AddRow("reason", eval.Reason)

	t.Print()
}
