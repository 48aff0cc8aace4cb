package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

func promptCredentials() (string, string) {
	reader := bufio.NewReader(os.Stdin)

	id := deviceID
	if id == "" {
		fmt.Fprint(os.Stderr, "Enter your device ID: ")
		id, _ = reader.ReadString('\n')
		id = strings.TrimSpace(id)
	}

	key := secret
	if key == "" {
		fmt.Fprint(os.Stderr, "Enter your access secret: ")
		secretBytes, _ := term.ReadPassword(int(syscall.Stdin))
		key = strings.TrimSpace(string(secretBytes))
		fmt.Fprintln(os.Stderr)
	}

	return id, key
}
