package main

type demoUser struct {
	username string
	password string
	status   string
}

var demoUsers = []demoUser{
	{username: "demo", password: "Dem0P@ssword", status: "active"},
	{username: "writer01", password: "Wr1ter!Pass", status: "active"},
	{username: "suspended_user", password: "Susp3nded!Pass", status: "suspended"},
}
