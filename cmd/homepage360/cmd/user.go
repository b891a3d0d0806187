package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/homepage360/config"
	"github.com/jmcleod/homepage360/users"
)

var (
	userStoreFile string
	userStoreDB   string
	hashCost      int
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage dashboard users",
	Long:  `Commands for provisioning dashboard users and generating password hashes.`,
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a user to the credential store",
	Long: `Reads the password from the first line of standard input, hashes it with
bcrypt and stores the new user. Example:

  printf '%s\n' "$PASSWORD" | homepage360 user add alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openUserStore(&config.Config{UsersFile: userStoreFile, UsersDB: userStoreDB})
		if err != nil {
			return err
		}
		defer closeStore()
		promptPassword(cmd)
		return addUser(cmd.Context(), store, args[0], cmd.InOrStdin(), cmd.OutOrStdout(), hashCost)
	},
}

var userHashCmd = &cobra.Command{
	Use:   "hash [password]",
	Short: "Print a bcrypt hash for a password",
	Long: `Prints a bcrypt hash suitable for the passwordHash field of users.json.
The password is taken from the argument or, when omitted, from the first
line of standard input.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			promptPassword(cmd)
			p, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			password = p
		}
		return printHash(cmd.OutOrStdout(), password, hashCost)
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned usernames",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openUserStore(&config.Config{UsersFile: userStoreFile, UsersDB: userStoreDB})
		if err != nil {
			return err
		}
		defer closeStore()
		names, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userHashCmd, userListCmd)
	userCmd.PersistentFlags().StringVar(&userStoreFile, "users-file", "./users.json", "Path to the users.json credential file")
	userCmd.PersistentFlags().StringVar(&userStoreDB, "users-db", "", "Path to a bbolt credential database (replaces --users-file)")
	userCmd.PersistentFlags().IntVar(&hashCost, "cost", users.DefaultCost, "bcrypt cost factor")
}

var errEmptyPassword = errors.New("password must not be empty")

// readPassword returns the first line of r without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errEmptyPassword
	}
	return password, nil
}

func printHash(w io.Writer, password string, cost int) error {
	hasher, err := users.NewHasher(cost)
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, hash)
	return nil
}

func addUser(ctx context.Context, store users.Store, username string, in io.Reader, out io.Writer, cost int) error {
	password, err := readPassword(in)
	if err != nil {
		return err
	}
	hasher, err := users.NewHasher(cost)
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(password)
	if err != nil {
		return err
	}
	if err := store.Add(ctx, users.User{Username: username, PasswordHash: hash}); err != nil {
		return fmt.Errorf("adding user: %w", err)
	}
	fmt.Fprintf(out, "User %q added\n", strings.TrimSpace(username))
	return nil
}

// promptPassword prints a prompt when a person is typing on stdin.
func promptPassword(cmd *cobra.Command) {
	if cmd.InOrStdin() != os.Stdin {
		return
	}
	info, err := os.Stdin.Stat()
	if err == nil && info.Mode()&os.ModeCharDevice != 0 {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	}
}
