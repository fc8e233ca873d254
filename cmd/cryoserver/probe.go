package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/theckman/yacspin"
)

// probe connects to every node in turn, prints its identity and closes it.
// It returns false if any node could not be reached.
func probe(c Config) bool {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
	}
	ok := true
	for _, node := range c.Nodes {
		cfg.Message = fmt.Sprintf("%s (%s at %s)", node.Endpoint, node.Type, node.Addr)
		spinner, err := yacspin.New(cfg)
		if err != nil {
			logrus.Fatal(err)
		}
		spinner.Start()
		id, err := probeOne(c, node)
		if err != nil {
			ok = false
			spinner.StopFailMessage(err.Error())
			spinner.StopFail()
			continue
		}
		spinner.StopMessage(id)
		spinner.Stop()
	}
	return ok
}

func probeOne(c Config, node ObjSetup) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	dev, err := open(ctx, c, node)
	if err != nil {
		return "", err
	}
	defer dev.close(ctx)
	return dev.ident(ctx)
}
