// bamquant quantifies aligned reads per region, stratified by cell
// barcode and deduplicated by UMI or position, against a coordinate-sorted
// and indexed BAM file.
//
// Usage: bamquant [--version] [--help] config.toml
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"

	"github.com/tyberius-labs/bamquant/config"
	"github.com/tyberius-labs/bamquant/runner"
)

// version is overwritten at link time via -ldflags "-X main.version=...".
var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] config.toml\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	for _, a := range os.Args[1:] {
		if a == "-h" || a == "--help" || a == "-help" {
			usage()
			os.Exit(0)
		}
	}

	flag.Usage = usage
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}

	shutdown := grail.Init()
	defer shutdown()

	configPath := flag.Arg(0)
	data, err := os.ReadFile(configPath)
	if err != nil {
		log.Error.Printf("bamquant: reading config %s: %v", configPath, err)
		os.Exit(1)
	}

	cfg, err := config.Parse(data)
	if err != nil {
		log.Error.Printf("bamquant: %v", err)
		os.Exit(1)
	}

	if err := runner.Run(cfg); err != nil {
		log.Error.Printf("bamquant: %v", err)
		os.Exit(1)
	}
}
