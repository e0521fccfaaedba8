// Package httpclient turns the jobs declared for a user class into HTTP
// requests issued by simulated users.
//
// # Request Building
//
// A [RequestBuilder] is created once per declared job and builds a fresh
// request for every run. Paths, headers and bodies may reference session
// variables as {{name}}, or {{name|fallback}} when the variable may be unset:
//
//	builder, err := httpclient.NewRequestBuilder(job, classHeaders)
//	req, err := builder.Build(ctx, session.Host, session.Vars())
//
// # Jobs
//
// [NewJob] wraps a builder into a user.Job. Each run issues the request,
// checks the status against the expected codes, stores extracted values in
// the session and reports the outcome through the session:
//
//	job, err := httpclient.NewJob(jobCfg, classHeaders, httpclient.JobOptions{
//		Client: httpclient.NewClient(30 * time.Second),
//	})
//
// # HTTP Client
//
// The [NewClient] function creates an HTTP client tuned for many concurrent
// users sharing connections to one host.
package httpclient
