// Command flowcored runs a standalone classification core: it reads a
// rule file, builds the tree, and classifies packets read from stdin (one
// hex-encoded packet per line), printing each packet's resolved output
// label. It exists to exercise ctxmanager end to end outside of any larger
// packet-processing pipeline.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/gops/agent"

	"github.com/flowcore/fct/config"
	"github.com/flowcore/fct/ctxmanager"
	"github.com/flowcore/fct/internal/logging"
	"github.com/flowcore/fct/packet"
)

func main() {
	var rulesPath string
	var threads int
	var flagGops bool
	var logLevel string
	flag.StringVar(&rulesPath, "rules", "", "path to a classification rule file, one rule per line")
	flag.IntVar(&threads, "threads", 1, "number of classification threads to optimise the tree for")
	flag.BoolVar(&flagGops, "gops", false, "listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, err")
	flag.Parse()

	logging.SetLevel(logLevel)
	config.Init()

	// See https://github.com/google/gops (runtime overhead is almost zero).
	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			logging.Errorf("gops/agent.Listen failed: %s", err.Error())
			os.Exit(1)
		}
	}

	if rulesPath == "" {
		logging.Errorf("flowcored: -rules is required")
		os.Exit(1)
	}
	rules, err := readRules(rulesPath)
	if err != nil {
		logging.Errorf("flowcored: %s", err.Error())
		os.Exit(1)
	}

	mgr, err := ctxmanager.Build(rules, rulesPath, threads, 4,
		config.Keys.CacheSize, config.Keys.RingSize, config.Keys.AggTrust)
	if err != nil {
		logging.Errorf("flowcored: build: %s", err.Error())
		os.Exit(1)
	}
	if err := mgr.StartReaper(); err != nil {
		logging.Errorf("flowcored: reaper: %s", err.Error())
		os.Exit(1)
	}
	defer mgr.StopReaper()

	logging.Infof("flowcored: tree built from %d rules, classifying stdin", len(rules))
	classifyStdin(mgr)
}

func readRules(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

func classifyStdin(mgr *ctxmanager.Manager) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		buf, err := hex.DecodeString(line)
		if err != nil {
			logging.Warnf("flowcored: skipping malformed hex line: %s", err.Error())
			continue
		}
		p := packet.NewBasic(buf)
		fcb := mgr.Classify(0, p)
		if fcb == nil {
			fmt.Println("drop")
			continue
		}
		fmt.Println(fcb.Payload[0])
	}
}
