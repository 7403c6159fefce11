package confkit

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// LoadDotenvOnce loads .env files so provider credentials can stay out of
// the yaml. QUOTESYNC_ENV_FILE names an explicit file; otherwise every .env
// between this package and the repository root is read, nearest first.
// Existing variables win unless DOTENV_OVERLOAD=1.
func LoadDotenvOnce() {
	dotenvOnce.Do(loadDotenv)
}

func loadDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}
	load := godotenv.Load
	if os.Getenv("DOTENV_OVERLOAD") == "1" {
		load = godotenv.Overload
	}
	if envFile := os.Getenv("QUOTESYNC_ENV_FILE"); envFile != "" {
		_ = load(envFile)
		return
	}
	if _, ok := walkUp(func(dir string) { _ = load(filepath.Join(dir, ".env")) }); ok {
		return
	}
	_ = load(".env")
}
