/*
Package backend implements the blogger REST backend

A backend serves the feed of a single session. The session is established with a signed
identity token and persisted in the session store, so it survives a restart. While a session
is active, the feed aggregator keeps the ranked views of the session's posts up to date.

The backend creates the following REST routes:

	GET /session
	PUT /session
	DELETE /session
	DELETE /account
	GET /feed/posts
	GET /feed/recent
	GET /feed/popular
	GET /feed/weekly
	POST /posts
	GET /posts/{post_id}
	PUT /posts/{post_id}
	DELETE /posts/{post_id}
	PUT /posts/{post_id}/hits

# Session

PUT /session expects {"token": "<jwt>"}. The token's subject becomes the user id and names
the post collection of the session. DELETE /session ends the session and stops the feed.
GET /session returns {"user_id": "...", "email": "..."}, both empty without a session.

DELETE /account deletes every post of the session with its images and then ends the
session. If a deletion fails the response is 502 Bad Gateway and the session stays, posts
deleted until then stay deleted.

# Feed

The feed routes return the views as published by the aggregator: all posts newest first,
the most recent posts, and the most popular posts. GET /feed/weekly returns the number of
posts per day of the last seven days, oldest day first:

	[{"day": "2026-10-10", "weekday": "Sat", "count": 1}, ...]

Every publication has a new generation,
which is part of the Etag. A request with a matching If-None-Match header gets
304 Not Modified. Without a session, the feed routes return 401 Unauthorized.

# Posts

POST /posts and PUT /posts/{post_id} take a multipart form with the fields "title",
"message" and, for PUT, "hits", plus up to three files in the field "images". The first
image becomes the thumbnail. PUT only replaces the images at the indexes that are sent.
A post is created even if some of its images cannot be uploaded. In that case the response
is 502 Bad Gateway with the body

	{"post_id": "...", "failed_images": [1], "error": "..."}

DELETE /posts/{post_id} deletes the post and then its images. If the second step fails the
response is 502 Bad Gateway, the post stays deleted.

If the post store refuses access to the posts of the session, the session is cleared.
*/
package backend
