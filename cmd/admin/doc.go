// Package main (cmd/admin) is the administrator CLI for master secret
// ceremonies on a sealed provisioning authority.
//
// A fresh deployment runs init-generate once: the server draws the master
// secret, splits it, and each administrator retrieves their encrypted
// share with fetch-share. After a restart the authority is sealed again;
// init-recover followed by submit-share from a threshold of
// administrators reconstructs the secret and unseals it.
//
// Every mutating request is signed with the administrator's ECDSA key;
// generate-keypair creates one. Shares are encrypted per administrator,
// so no administrator ever sees another's share.
package main
