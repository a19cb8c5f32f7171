package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sort"

	"github.com/amrbekhit/espboot"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

var commands = map[string]func(context.Context, espboot.Bootloader, []string){
	"info":    processInfo,
	"sync":    processSync,
	"readreg": processReadReg,
	"banner":  processBanner,
}

const appVersion = "0.1.0"

func main() {
	version := flag.Bool("version", false, "Prints the program version.")
	port := flag.String("port", "", "Serial port name.")
	baud := flag.Int("baud", 0, "Baud rate (default from config, 115200).")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	reset := flag.String("reset", "", "Reset strategy: auto, usb-jtag, classic or manual.")
	driver := flag.String("driver", "", "Serial driver: bugst or tarm.")
	before := flag.String("before", "", "Command to run before connecting.")
	after := flag.String("after", "", "Command to run after the command has completed successfully.")

	// Format the default config in YAML format as an example.
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.Encode(espboot.DefaultConfig())
	config := flag.String("config", "", "Session config yaml file. Example:\n\n"+buf.String())

	cmdList := []string{"reset"}
	for key := range commands {
		cmdList = append(cmdList, key)
	}
	sort.Strings(cmdList)
	command := flag.String("cmd", "info", fmt.Sprintf("Command to run, one of: %+v\n"+
		"readreg takes one or more register addresses, e.g. readreg 0x60007044 0x60007048", cmdList))

	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	espboot.SetLogger(log.StandardLogger())

	if *port == "" {
		log.Fatal("must specify port")
	}

	cfg := espboot.DefaultConfig()
	if *config != "" {
		f, err := os.Open(*config)
		if err != nil {
			log.Fatalf("failed to open config file: %v", err)
		}
		cfg, err = espboot.LoadConfig(f)
		f.Close()
		if err != nil {
			log.Fatal(err)
		}
	}
	if *baud != 0 {
		cfg.Baud = *baud
	}
	if *reset != "" {
		cfg.Reset = espboot.ResetStrategy(*reset)
	}
	if *driver != "" {
		cfg.Driver = *driver
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *command == "reset" {
		if err := resetToApp(ctx, cfg, *port); err != nil {
			log.Fatalf("failed to reset: %v", err)
		}
		return
	}

	f, ok := commands[*command]
	if !ok {
		log.Fatalf("invalid command %v", *command)
	}

	session, err := espboot.NewSession(cfg)
	if err != nil {
		log.Fatalf("failed to initialise session: %v", err)
	}

	// Run the before command
	if *before != "" {
		log.Infof("running before command...")
		if err := exec.Command(*before).Run(); err != nil {
			log.Fatalf("failed to run before command: %v", err)
		}
	}

	log.Infof("connecting to %s...", *port)
	banner, err := session.Open(ctx, *port)
	if err != nil {
		log.Fatalf("failed to open bootloader: %v", err)
	}
	fmt.Print(banner)

	run(ctx, session, f, flag.Args())

	// Run the after command
	if *after != "" {
		log.Infof("running after command...")
		if err := exec.Command(*after).Run(); err != nil {
			log.Fatalf("failed to run after command: %v", err)
		}
	}
}

// run executes f and always returns the chip to its application, including
// when f exits through log.Fatal.
func run(ctx context.Context, session *espboot.Session, f func(context.Context, espboot.Bootloader, []string), args []string) {
	log.RegisterExitHandler(session.Close)
	defer session.Close()
	f(ctx, session, args)
}

func resetToApp(ctx context.Context, cfg espboot.Config, name string) error {
	open, err := espboot.OpenerForDriver(cfg.Driver)
	if err != nil {
		return err
	}
	port, err := open(espboot.PortConfig{Name: name, Baud: cfg.Baud, ReadTimeout: cfg.PollInterval})
	if err != nil {
		return err
	}
	defer port.Close()
	return espboot.NewSequencer(cfg.ResetDelay).RunApp(ctx, port)
}
