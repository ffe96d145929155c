// Package login signs users in and up. Both flows run the device check:
// login admits the device with device.ModeLogin and is denied when the user
// is at the device limit, signup registers the first device of a new user.
//
//	svc := login.NewService(userService, authz, tokengenerator.NewJwtTokenGenerator(secret))
//	r.Mount("/api/v1/auth", login.Routes(login.NewHandle(svc, cookies)))
package login
