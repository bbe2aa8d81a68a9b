// fleet-admin is an offline maintenance tool for the Fleet-Sentinel
// database. It is meant to run while the server is stopped: bootstrap
// the first admin account, recover a locked-out user, or rotate a
// machine's shared secret.
//
// Usage:
//
//	fleet-admin -db /var/lib/fleet-sentinel/fleet.db create-user -username admin -password S3cret -role admin
//	fleet-admin -db /var/lib/fleet-sentinel/fleet.db reset-password -username admin -password N3wpass
//	fleet-admin -db /var/lib/fleet-sentinel/fleet.db list-users
//	fleet-admin -db /var/lib/fleet-sentinel/fleet.db rotate-secret -machine <id>
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/secrets"
	"github.com/Will-Luck/Fleet-Sentinel/internal/store"
)

const settingServerSecret = "server_secret"

func main() {
	global := flag.NewFlagSet("fleet-admin", flag.ExitOnError)
	dbPath := global.String("db", "/var/lib/fleet-sentinel/fleet.db", "path to fleet.db")
	global.Usage = usage
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		fatalf("open database: %v (is the server still running?)", err)
	}
	defer db.Close()

	switch args[0] {
	case "create-user":
		createUser(db, args[1:])
	case "reset-password":
		resetPassword(db, args[1:])
	case "list-users":
		listUsers(db)
	case "rotate-secret":
		rotateSecret(db, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `fleet-admin [-db path] <command>

Commands:
  create-user    -username U -password P [-role admin|user|viewer]
  reset-password -username U -password P
  list-users
  rotate-secret  -machine ID`)
}

func createUser(db *store.Store, args []string) {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	username := fs.String("username", "", "login name")
	password := fs.String("password", "", "initial password")
	role := fs.String("role", "admin", "role: admin, user or viewer")
	_ = fs.Parse(args)

	if *username == "" || *password == "" {
		fatalf("create-user: -username and -password are required")
	}
	r := fleet.Role(*role)
	if r != fleet.RoleAdmin && r != fleet.RoleUser && r != fleet.RoleViewer {
		fatalf("create-user: invalid role %q", *role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		fatalf("hash password: %v", err)
	}
	u := &fleet.User{
		ID:           uuid.NewString(),
		Username:     *username,
		PasswordHash: string(hash),
		Role:         r,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := db.CreateUser(u); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			fatalf("username %q already exists", *username)
		}
		fatalf("create user: %v", err)
	}
	fmt.Printf("created %s user %q (id %s)\n", u.Role, u.Username, u.ID)
}

func resetPassword(db *store.Store, args []string) {
	fs := flag.NewFlagSet("reset-password", flag.ExitOnError)
	username := fs.String("username", "", "login name")
	password := fs.String("password", "", "new password")
	_ = fs.Parse(args)

	if *username == "" || *password == "" {
		fatalf("reset-password: -username and -password are required")
	}

	u, err := db.GetUserByUsername(*username)
	if err != nil {
		fatalf("lookup user %q: %v", *username, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		fatalf("hash password: %v", err)
	}
	u.PasswordHash = string(hash)
	u.Active = true
	if err := db.UpdateUser(u); err != nil {
		fatalf("update user: %v", err)
	}
	fmt.Printf("password reset for %q; account re-activated\n", u.Username)
}

func listUsers(db *store.Store) {
	users, err := db.ListUsers()
	if err != nil {
		fatalf("list users: %v", err)
	}
	if len(users) == 0 {
		fmt.Println("no users")
		return
	}
	fmt.Printf("%-36s  %-20s  %-7s  %-8s  %s\n", "ID", "USERNAME", "ROLE", "ACTIVE", "TOTP")
	for _, u := range users {
		fmt.Printf("%-36s  %-20s  %-7s  %-8t  %t\n", u.ID, u.Username, u.Role, u.Active, u.TOTPEnabled)
	}
}

func rotateSecret(db *store.Store, args []string) {
	fs := flag.NewFlagSet("rotate-secret", flag.ExitOnError)
	machineID := fs.String("machine", "", "machine id")
	_ = fs.Parse(args)

	if *machineID == "" {
		fatalf("rotate-secret: -machine is required")
	}

	serverSecret := os.Getenv("SESSION_TOKEN_SECRET")
	if serverSecret == "" {
		v, err := db.LoadSetting(settingServerSecret)
		if err != nil || v == "" {
			fatalf("server secret not found; set SESSION_TOKEN_SECRET or run the server once first")
		}
		serverSecret = v
	}
	sec, err := secrets.NewManager(serverSecret)
	if err != nil {
		fatalf("initialise secret manager: %v", err)
	}

	m, err := db.GetMachine(*machineID)
	if err != nil {
		fatalf("lookup machine %s: %v", *machineID, err)
	}

	plain, err := secrets.GenerateSecret()
	if err != nil {
		fatalf("generate secret: %v", err)
	}
	enc, err := sec.Encrypt(plain)
	if err != nil {
		fatalf("encrypt secret: %v", err)
	}
	m.SecretEncrypted = enc
	m.SecretHash = secrets.Hash(secrets.Normalize(plain))
	if err := db.SaveMachine(m); err != nil {
		fatalf("save machine: %v", err)
	}

	fmt.Printf("rotated secret for %s (%s)\n", m.Hostname, m.ID)
	fmt.Printf("new agent secret (set FLEET_AGENT_SECRET on the host):\n%s\n", plain)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
