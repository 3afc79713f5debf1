// Command download fetches a release runtime image for go generate.
//
//	download [-force] [-sha256 HEX] -url URL OUTPUT
//
// An empty URL keeps the existing image. Without -force an existing OUTPUT
// is left alone. The fetched image must be a module exporting the engine's
// initialization function before it replaces OUTPUT.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caffeineduck/js2wasm/engine"
)

const maxImageSize = 64 << 20

func main() {
	var (
		url   = flag.String("url", "", "Image URL (empty keeps the existing image)")
		sum   = flag.String("sha256", "", "Expected SHA-256 of the image")
		force = flag.Bool("force", false, "Replace an existing image")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: download [-force] [-sha256 HEX] -url URL OUTPUT")
		os.Exit(1)
	}
	output := flag.Arg(0)

	if *url == "" {
		fmt.Fprintf(os.Stderr, "no image URL set, keeping %s\n", output)
		if data, err := os.ReadFile(output); err == nil && engine.IsLoader(data) {
			fmt.Fprintln(os.Stderr, "the kept image is the placeholder loader; set JS2WASM_ENGINE_URL and JS2WASM_ENGINE_SHA256 to embed a JavaScript engine")
		}
		return
	}
	if _, err := os.Stat(output); err == nil && !*force {
		return
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	if err := download(client, *url, output, *sum); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func download(client *http.Client, url, output, sum string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return err
	}
	if len(data) > maxImageSize {
		return fmt.Errorf("image exceeds %d bytes", maxImageSize)
	}

	if sum != "" {
		got := sha256.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(got[:]), sum) {
			return fmt.Errorf("checksum mismatch: got %x", got)
		}
	}
	if err := engine.Check(data); err != nil {
		return fmt.Errorf("downloaded image: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(output), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), output)
}
