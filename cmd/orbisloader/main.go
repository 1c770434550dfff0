// This file only contains the entry point: it builds a Config from command
// line flags and drives one Runtime through load, publish and close.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Dudejoe870/OrbisEmu"
	"github.com/Dudejoe870/OrbisEmu/internal/rtlog"
)

// errorExit prints the given formatted error to stderr and exits immediately after.
func errorExit(format string, params ...interface{}) {
	fmt.Fprintf(os.Stderr, format, params...)
	os.Exit(-1)
}

// check will check the error given by argument. If it's not nil, it will print the error to the console and the
// program will exit.
func check(err error) {
	if err != nil {
		errorExit("orbisloader: %s\n", err.Error())
	}
}

func main() {
	ebootPath := flag.String("eboot", "", "path to eboot.bin (or a raw OELF) to load as the entry module")
	exeDir := flag.String("exedir", "", "title's executable directory, containing sce_module/ and system/ (defaults to eboot's directory)")
	verbose := flag.Bool("v", false, "enable debug logging")

	flag.Parse()

	if *ebootPath == "" {
		errorExit("Input file not specified, try -eboot=[path to eboot.bin]\n")
	}

	dir := *exeDir
	if dir == "" {
		dir = filepath.Dir(*ebootPath)
	}
	if _, err := os.Stat(filepath.Join(dir, "sce_module")); err != nil {
		if _, err := os.Stat(filepath.Join(dir, "system")); err != nil {
			errorExit("please make sure you have the PS4 firmware system directory inside the directory with the executable\n")
		}
	}

	log := rtlog.New(*verbose)
	rt := orbisloader.New(orbisloader.Config{
		EbootDir: dir,
		ExeDir:   dir,
		Logger:   log,
	})

	root, err := rt.LoadEntryModule(*ebootPath)
	check(err)

	check(rt.Publish())

	log.Infof("entry module %q loaded, %d symbols published", root.Name, rt.Symbols().GetSymbolAmount())

	check(rt.Close())
}
