package model

import "go.mongodb.org/mongo-driver/bson/primitive"

type (
	// User is what the server reports for a session. Email names the
	// account's stream.
	User struct {
		Name  string `json:"Name"`
		Email string `json:"Email"`
	}

	// Account is the server side record behind a User.
	Account struct {
		ID           primitive.ObjectID `bson:"_id,omitempty"`
		Name         string             `bson:"name"`
		Email        string             `bson:"email"`
		PasswordHash []byte             `bson:"password_hash"`
	}
)

func (a *Account) User() User {
	return User{Name: a.Name, Email: a.Email}
}
