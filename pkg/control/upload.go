// Out-of-band program upload to Moonraker's file API
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// UploadProgram transfers the G-code file at path to the controller's
// storage via the HTTP multipart endpoint, outside the RPC channel. With
// autoStart the job begins as soon as the upload lands. The local file is
// treated as a temporary artifact and removed regardless of outcome.
func (c *Client) UploadProgram(path string, autoStart bool) error {
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open program file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField("root", "gcodes"); err != nil {
		return fmt.Errorf("build upload form: %w", err)
	}
	printVal := "false"
	if autoStart {
		printVal = "true"
	}
	if err := w.WriteField("print", printVal); err != nil {
		return fmt.Errorf("build upload form: %w", err)
	}

	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read program file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("build upload form: %w", err)
	}

	url := c.cfg.UploadBase + "/server/files/upload"
	c.logger.Info("uploading %s to %s (print=%s)", filepath.Base(path), url, printVal)

	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, msg)
	}
	c.logger.Info("upload complete")
	return nil
}
