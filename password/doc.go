// Package password is the credential verifier: Argon2id hashing into PHC
// strings and constant-time comparison.
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The package never stores credentials and never logs plaintext or parameters.
package password
