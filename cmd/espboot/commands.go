package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/amrbekhit/espboot"
	log "github.com/sirupsen/logrus"
)

func mustSync(ctx context.Context, bootloader espboot.Bootloader) {
	if err := bootloader.SendSync(ctx); err != nil {
		log.Fatalf("failed to sync: %v", err)
	}
}

func processInfo(ctx context.Context, bootloader espboot.Bootloader, args []string) {
	mustSync(ctx, bootloader)
	info, err := bootloader.Query(ctx)
	if err != nil {
		log.Fatalf("failed to read chip info: %v", err)
	}
	fmt.Printf("MAC addr: %v\n", info.MAC())
	fmt.Printf("CHIP ID : %04X\n", info.ChipID)
}

func processSync(ctx context.Context, bootloader espboot.Bootloader, args []string) {
	mustSync(ctx, bootloader)
	log.Infof("sync ok")
}

func processReadReg(ctx context.Context, bootloader espboot.Bootloader, args []string) {
	if len(args) < 1 {
		log.Fatalf("expected: addr [addr...]")
	}
	mustSync(ctx, bootloader)
	for _, arg := range args {
		addr, err := strconv.ParseUint(arg, 0, 32)
		if err != nil {
			log.Fatalf("invalid address: %v", err)
		}
		value, err := bootloader.ReadReg(ctx, uint32(addr))
		if err != nil {
			log.Fatalf("failed to read register: %v", err)
		}
		fmt.Printf("0x%08X: 0x%08X\n", addr, value)
	}
}

// processBanner does nothing beyond Open; main prints the banner.
func processBanner(ctx context.Context, bootloader espboot.Bootloader, args []string) {}
