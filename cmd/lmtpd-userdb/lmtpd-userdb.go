// lmtpd-userdb manages the local-recipient database consulted by
// internal/resolver.UserdbDirectory: a flat file recording which usernames
// exist, with no password of its own since there is no AUTH command to
// check one against.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dmitrifedorov/lmtpd/internal/userdb"
)

var (
	dbFname    = flag.String("database", "", "database file")
	addUser    = flag.String("add_user", "", "user to add")
	removeUser = flag.String("remove_user", "", "user to remove")
)

func main() {
	flag.Parse()

	if *dbFname == "" {
		fmt.Printf("database name missing, forgot --database?\n")
		os.Exit(1)
	}

	db, err := userdb.Load(*dbFname)
	if err != nil {
		if (*addUser != "" || *removeUser != "") && os.IsNotExist(err) {
			fmt.Printf("creating database\n")
			db = userdb.New(*dbFname)
		} else {
			fmt.Printf("error loading database: %v\n", err)
			os.Exit(1)
		}
	}

	changed := false

	if *addUser != "" {
		if err := db.AddUser(*addUser); err != nil {
			fmt.Printf("error adding user: %v\n", err)
			os.Exit(1)
		}
		changed = true
	}

	if *removeUser != "" {
		if !db.RemoveUser(*removeUser) {
			fmt.Printf("user %q not found\n", *removeUser)
			os.Exit(1)
		}
		changed = true
	}

	if !changed {
		fmt.Printf("database loaded\n")
		return
	}

	if err := db.Write(); err != nil {
		fmt.Printf("error writing database: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("database updated\n")
}
