package userbatch

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// UserRecord pairs a login with its display name.
type UserRecord struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

// WriteRecord appends one uvarint-length-prefixed JSON frame to the writer.
func WriteRecord(writer io.Writer, record UserRecord) error {
	payload, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return fmt.Errorf("user_batch.encode: %w", marshalErr)
	}
	var length [binary.MaxVarintLen64]byte
	written := binary.PutUvarint(length[:], uint64(len(payload)))
	if _, err := writer.Write(length[:written]); err != nil {
		return fmt.Errorf("user_batch.write: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return fmt.Errorf("user_batch.write: %w", err)
	}
	return nil
}

// ReadRecords consumes length-prefixed frames until the stream is exhausted.
func ReadRecords(reader io.Reader) ([]UserRecord, error) {
	buffered := bufio.NewReader(reader)
	var records []UserRecord
	for {
		length, lengthErr := binary.ReadUvarint(buffered)
		if errors.Is(lengthErr, io.EOF) {
			return records, nil
		}
		if lengthErr != nil {
			return nil, fmt.Errorf("user_batch.frame_length: %w", lengthErr)
		}
		payload := make([]byte, length)
		if _, readErr := io.ReadFull(buffered, payload); readErr != nil {
			return nil, fmt.Errorf("user_batch.frame_payload: %w", readErr)
		}
		var record UserRecord
		if decodeErr := json.Unmarshal(payload, &record); decodeErr != nil {
			return nil, fmt.Errorf("user_batch.decode: %w", decodeErr)
		}
		records = append(records, record)
	}
}
