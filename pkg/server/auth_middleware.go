package server

import (
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
)

//
// Tokens are HS256 JWTs signed with the configured secret:
//
//   token := jwt.New(jwt.SigningMethodHS256)
//   tokenString, _ := token.SignedString(jwtSecret)
//
// An empty secret disables authentication.
//

func CreateJwtMiddleware(jwtSecret []byte) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		if len(jwtSecret) == 0 {
			return next
		}

		return func(w http.ResponseWriter, r *http.Request) {
			authorizationHeader := r.Header.Get("Authorization")
			if authorizationHeader == "" {
				writeMessage(w, r, http.StatusUnauthorized, "An authorization header is required")
				return
			}

			bearerToken := strings.Split(authorizationHeader, " ")
			if len(bearerToken) != 2 {
				writeMessage(w, r, http.StatusUnauthorized, "Invalid authorization token")
				return
			}

			token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}

				return jwtSecret, nil
			})

			if err != nil || !token.Valid {
				writeMessage(w, r, http.StatusUnauthorized, "Invalid authorization token")
				return
			}

			next(w, r)
		}
	}
}
