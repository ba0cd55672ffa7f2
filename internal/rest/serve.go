// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package rest serves prepared datasets over HTTP, so that a training loop
// in another process can fetch normalized and augmented samples.
package rest

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/mlnoga/careprep/internal/config"
	"github.com/mlnoga/careprep/internal/dataset"
	"github.com/mlnoga/careprep/internal/norm"
	"github.com/mlnoga/careprep/internal/tensor"
)

// Datasets and metadata exposed by the server
type Server struct {
	Splits   map[string]*dataset.Paired // by split name, e.g. train and validation
	Metadata *config.Metadata
}

// Creates the gin engine with all routes. Request logs go to log
func (s *Server) Router(log io.Writer) *gin.Engine {
	r := gin.New()
	r.Use(gin.LoggerWithWriter(log), gin.Recovery())
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.GET("/metadata", s.getMetadata)
			v1.GET("/datasets/:split", s.getDataset)
			v1.GET("/datasets/:split/samples/:index", s.getSample)
		}
	}
	return r
}

// Listens on addr and serves until the listener fails
func (s *Server) Serve(addr string, log io.Writer) error {
	gin.SetMode(gin.ReleaseMode)
	return s.Router(log).Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

func (s *Server) getMetadata(c *gin.Context) {
	if s.Metadata == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no metadata"})
		return
	}
	c.JSON(http.StatusOK, s.Metadata)
}

type datasetInfo struct {
	Length     int        `json:"length"`
	PatchShape []int      `json:"patchShape"`
	Source     norm.Stats `json:"source"`
	Target     norm.Stats `json:"target"`
	Augment    bool       `json:"augment"`
}

func (s *Server) split(c *gin.Context) *dataset.Paired {
	d, ok := s.Splits[c.Param("split")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown split " + c.Param("split")})
		return nil
	}
	return d
}

func (s *Server) getDataset(c *gin.Context) {
	d := s.split(c)
	if d == nil {
		return
	}
	src, tgt := d.Stats()
	c.JSON(http.StatusOK, datasetInfo{
		Length:     d.Len(),
		PatchShape: d.PatchShape(),
		Source:     src,
		Target:     tgt,
		Augment:    d.Augmented(),
	})
}

type array struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type sample struct {
	Index  int   `json:"index"`
	Input  array `json:"input"`
	Target array `json:"target"`
}

func toArray(a *tensor.Array) array { return array{Shape: a.Shape, Data: a.Data} }

func (s *Server) getSample(c *gin.Context) {
	d := s.split(c)
	if d == nil {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be an integer"})
		return
	}
	in, tg, err := d.Get(index)
	if errors.Is(err, dataset.ErrIndexOutOfRange) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sample{Index: index, Input: toArray(in), Target: toArray(tg)})
}
