// Package persistence writes measurement results to disk.
package persistence

import (
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile describes a file where a result has been saved.
type DataFile struct {
	// Prefix is the data directory the file lives under.
	Prefix string
	// Datatype is the measurement type.
	Datatype string
	// Subtest is the subtest name within the datatype.
	Subtest string
	// UUID is the unique identifier of the measurement.
	UUID string
	// Path is the full path of the written file.
	Path string
	// Size is the size of the written content in bytes.
	Size int
}

// WriteDataFile writes a JSON representation of result to a file under
// prefix/datatype/yyyy/mm/dd/, named after the datatype, subtest,
// timestamp and uuid.
func WriteDataFile(prefix, datatype, subtest, uuid string,
	result interface{}) (*DataFile, error) {
	timestamp := time.Now()
	dir := path.Join(prefix, datatype, timestamp.Format("2006/01/02"))
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json")
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	err = os.WriteFile(filepath, data, 0644)
	if err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   prefix,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     len(data),
	}, nil
}
