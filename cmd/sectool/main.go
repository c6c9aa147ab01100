// sectool inspects and edits the bond file used by the security
// manager. It operates on the file directly; run it only while the
// stack is stopped.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli"

	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/record"
)

func main() {
	app := cli.NewApp()
	app.Name = "sectool"
	app.Usage = "inspect and edit the security manager bond file"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "file, f",
			Value: "bonds.json",
			Usage: "path to the bond file",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "list",
			Usage:  "print every stored bond",
			Action: listBonds,
		},
		{
			Name:      "show",
			Usage:     "print one bond, key material included",
			ArgsUsage: "<address>",
			Action:    showBond,
		},
		{
			Name:      "remove",
			Usage:     "delete the bond for an address",
			ArgsUsage: "<address>",
			Action:    removeBond,
		},
		{
			Name:   "clear",
			Usage:  "delete every stored bond",
			Action: clearBonds,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "sectool:", err)
		os.Exit(1)
	}
}

func openStore(c *cli.Context) record.Store {
	return record.NewFileStore(c.GlobalString("file"))
}

func listBonds(c *cli.Context) error {
	bonds, err := openStore(c).Load()
	if err != nil {
		return err
	}
	if len(bonds) == 0 {
		fmt.Println("no bonds stored")
		return nil
	}

	for _, b := range bonds {
		fmt.Println(describe(b))
	}
	return nil
}

func showBond(c *cli.Context) error {
	addr := strings.ToLower(c.Args().First())
	if addr == "" {
		return cli.NewExitError("usage: sectool show <address>", 1)
	}

	bonds, err := openStore(c).Load()
	if err != nil {
		return err
	}

	for _, b := range bonds {
		if b.Address != addr {
			continue
		}
		fmt.Println(describe(b))
		if b.LinkKey != "" {
			fmt.Printf("  link key:       %s\n", b.LinkKey)
		}
		if b.LongTermKey != "" {
			fmt.Printf("  long-term key:  %s\n", b.LongTermKey)
		}
		if b.Legacy {
			fmt.Printf("  ediv:           %s\n", b.EncryptionDiversifier)
			fmt.Printf("  rand:           %s\n", b.RandomValue)
		}
		return nil
	}
	return cli.NewExitError(fmt.Sprintf("no bond for %s", addr), 1)
}

func removeBond(c *cli.Context) error {
	addr := strings.ToLower(c.Args().First())
	if addr == "" {
		return cli.NewExitError("usage: sectool remove <address>", 1)
	}
	if err := openStore(c).Delete(addr); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", addr)
	return nil
}

func clearBonds(c *cli.Context) error {
	store := openStore(c)
	bonds, err := store.Load()
	if err != nil {
		return err
	}
	for _, b := range bonds {
		if err := store.Delete(b.Address); err != nil {
			return err
		}
	}
	fmt.Printf("removed %d bond(s)\n", len(bonds))
	return nil
}

func describe(b record.StoredRecord) string {
	var attrs []string
	if b.LinkKey != "" {
		attrs = append(attrs, "classic")
	}
	if b.LongTermKey != "" {
		if b.Legacy {
			attrs = append(attrs, "le-legacy")
		} else {
			attrs = append(attrs, "le-sc")
		}
	}
	if b.Authenticated {
		attrs = append(attrs, "authenticated")
	}

	return fmt.Sprintf("%s [%s] %s",
		b.Address, security.AddressType(b.AddressType), strings.Join(attrs, " "))
}
